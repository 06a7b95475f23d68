// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h1

import (
	"io"
	"strings"
	"testing"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decoded is everything a decoder produced for one input stream.
type decoded struct {
	events   []Event
	body     []byte
	trailers message.Header
	chunks   int
}

// feed decodes the given pieces in order, as if each arrived in a separate
// read. Data events are copied since they alias the input.
func feed(decoder *Decoder, pieces ...[]byte) (decoded, error) {
	var (
		result  decoded
		pending []byte
	)
	for _, piece := range pieces {
		pending = append(pending, piece...)
		for {
			n, event, err := decoder.Decode(pending)
			pending = pending[n:]
			if err != nil {
				return result, err
			}
			if event.Kind == EventNeedMore {
				break
			}
			if event.Kind == EventData {
				result.body = append(result.body, event.Data...)
				result.chunks++
				event.Data = nil
			}
			if event.Kind == EventEnd {
				result.trailers = event.Trailers
			}
			result.events = append(result.events, event)
			if event.Kind == EventUpgrade {
				return result, nil
			}
		}
	}
	return result, nil
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, event := range events {
		out = append(out, event.Kind)
	}
	return out
}

func TestDecodeContentLengthZero(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleServer, Limits{})
	result, err := feed(decoder, []byte("POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventRequestHead, EventEnd}, kinds(result.events))
	assert.Zero(t, result.chunks)
	head := result.events[0]
	assert.Equal(t, Framing{Kind: FramingLength, Length: 0}, head.Framing)
	assert.Equal(t, "POST", head.Request.Method)
	assert.Equal(t, "/submit", head.Request.Target)
	assert.Equal(t, "example.com", head.Request.Authority)
	assert.True(t, head.KeepAlive)
	assert.True(t, decoder.Idle())
}

func TestDecodeChunkedEverySplit(t *testing.T) {
	t.Parallel()
	const head = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	const chunked = "4\r\ntest\r\n0\r\n\r\n"
	for split := 0; split <= len(chunked); split++ {
		decoder := NewDecoder(RoleClient, Limits{})
		decoder.SetRequestMethod("GET")
		result, err := feed(decoder, []byte(head+chunked[:split]), []byte(chunked[split:]))
		require.NoError(t, err, "split at %d", split)
		assert.Equal(t, "test", string(result.body), "split at %d", split)
		require.NotEmpty(t, result.events)
		assert.Equal(t, EventEnd, result.events[len(result.events)-1].Kind, "split at %d", split)
	}
}

func TestDecodeOneByteAtATime(t *testing.T) {
	t.Parallel()
	input := "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip, chunked\r\n\r\n" +
		"5;ext=1\r\nhello\r\n1\r\n \r\n5\r\nworld\r\n0\r\nGrpc-Status: 0\r\nGrpc-Message: ok\r\n\r\n"
	pieces := make([][]byte, 0, len(input))
	for i := range input {
		pieces = append(pieces, []byte{input[i]})
	}
	decoder := NewDecoder(RoleClient, Limits{})
	decoder.SetRequestMethod("GET")
	result, err := feed(decoder, pieces...)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(result.body))
	assert.Equal(t, "0", result.trailers.Get("grpc-status"))
	assert.Equal(t, "ok", result.trailers.Get("grpc-message"))
}

func TestDecodeStatusLineWithoutCode(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleClient, Limits{})
	_, err := feed(decoder, []byte("HTTP/1.1 OK\r\n"))
	require.ErrorIs(t, err, httperr.ErrParse)

	// the decoder stays failed
	_, _, err = decoder.Decode([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.ErrorIs(t, err, httperr.ErrParse)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name  string
		role  Role
		input string
		want  *httperr.Error
	}{
		{
			name:  "length and chunked",
			role:  RoleServer,
			input: "POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n",
			want:  httperr.ErrAmbiguousFraming,
		},
		{
			name:  "differing lengths",
			role:  RoleClient,
			input: "HTTP/1.1 200 OK\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n",
			want:  httperr.ErrAmbiguousFraming,
		},
		{
			name:  "unparsable length",
			role:  RoleServer,
			input: "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "request coding not chunked",
			role:  RoleServer,
			input: "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "chunked twice",
			role:  RoleServer,
			input: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked, chunked\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "obsolete folding",
			role:  RoleServer,
			input: "GET / HTTP/1.1\r\nX-Long: a\r\n  b\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "space before colon",
			role:  RoleServer,
			input: "GET / HTTP/1.1\r\nHost : example.com\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "bad version",
			role:  RoleServer,
			input: "GET / HTTP/2.0\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "missing target",
			role:  RoleServer,
			input: "GET HTTP/1.1\r\n\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "bad chunk size",
			role:  RoleClient,
			input: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
			want:  httperr.ErrParse,
		},
		{
			name:  "missing chunk terminator",
			role:  RoleClient,
			input: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nab\r\n",
			want:  httperr.ErrParse,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			decoder := NewDecoder(testCase.role, Limits{})
			decoder.SetRequestMethod("GET")
			_, err := feed(decoder, []byte(testCase.input))
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestDecodeLimits(t *testing.T) {
	t.Parallel()
	t.Run("head bytes", func(t *testing.T) {
		t.Parallel()
		decoder := NewDecoder(RoleServer, Limits{MaxHeadBytes: 64})
		_, err := feed(decoder, []byte("GET / HTTP/1.1\r\nX-Filler: "+strings.Repeat("a", 100)))
		require.ErrorIs(t, err, httperr.ErrTooLarge)
	})
	t.Run("header count", func(t *testing.T) {
		t.Parallel()
		decoder := NewDecoder(RoleServer, Limits{MaxHeaders: 2})
		_, err := feed(decoder, []byte("GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n"))
		require.ErrorIs(t, err, httperr.ErrTooLarge)
	})
	t.Run("chunk line", func(t *testing.T) {
		t.Parallel()
		decoder := NewDecoder(RoleClient, Limits{MaxChunkLine: 16})
		decoder.SetRequestMethod("GET")
		_, err := feed(decoder, []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4;"+strings.Repeat("x", 32)))
		require.ErrorIs(t, err, httperr.ErrTooLarge)
	})
}

func TestDecodeBodilessResponses(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		method string
		input  string
	}{
		{name: "head", method: "HEAD", input: "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"},
		{name: "no content", method: "GET", input: "HTTP/1.1 204 No Content\r\n\r\n"},
		{name: "not modified", method: "GET", input: "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			decoder := NewDecoder(RoleClient, Limits{})
			decoder.SetRequestMethod(testCase.method)
			result, err := feed(decoder, []byte(testCase.input))
			require.NoError(t, err)
			assert.Equal(t, []EventKind{EventResponseHead, EventEnd}, kinds(result.events))
			assert.Equal(t, FramingNone, result.events[0].Framing.Kind)
			assert.True(t, result.events[0].KeepAlive)
		})
	}
}

func TestDecodeInterimResponse(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleClient, Limits{})
	decoder.SetRequestMethod("POST")
	result, err := feed(decoder, []byte("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok"))
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventResponseHead, EventResponseHead, EventData, EventEnd}, kinds(result.events))
	assert.Equal(t, 100, result.events[0].Response.Status)
	assert.Equal(t, 201, result.events[1].Response.Status)
	assert.Equal(t, "ok", string(result.body))
}

func TestDecodeUpgrade(t *testing.T) {
	t.Parallel()
	t.Run("switching protocols", func(t *testing.T) {
		t.Parallel()
		decoder := NewDecoder(RoleClient, Limits{})
		decoder.SetRequestMethod("GET")
		input := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n\x81\x05hello"
		n, event, err := decoder.Decode([]byte(input))
		require.NoError(t, err)
		assert.Equal(t, EventResponseHead, event.Kind)
		assert.True(t, event.Upgrade)
		assert.Equal(t, "websocket", event.Response.Header.Get("Upgrade"))
		assert.True(t, decoder.Upgraded())
		// the remaining bytes belong to the new protocol and are never consumed
		rest := []byte(input[n:])
		assert.Equal(t, "\x81\x05hello", string(rest))
		consumed, event, err := decoder.Decode(rest)
		require.NoError(t, err)
		assert.Zero(t, consumed)
		assert.Equal(t, EventUpgrade, event.Kind)
	})
	t.Run("connect", func(t *testing.T) {
		t.Parallel()
		decoder := NewDecoder(RoleClient, Limits{})
		decoder.SetRequestMethod("CONNECT")
		result, err := feed(decoder, []byte("HTTP/1.1 200 Connection Established\r\n\r\nraw"))
		require.NoError(t, err)
		assert.Equal(t, []EventKind{EventResponseHead, EventUpgrade}, kinds(result.events))
	})
	t.Run("request", func(t *testing.T) {
		t.Parallel()
		decoder := NewDecoder(RoleServer, Limits{})
		result, err := feed(decoder, []byte("GET /chat HTTP/1.1\r\nUpgrade: websocket\r\nConnection: upgrade\r\n\r\n"))
		require.NoError(t, err)
		require.NotEmpty(t, result.events)
		assert.True(t, result.events[0].Upgrade)
	})
}

func TestDecodeUntilClose(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleClient, Limits{})
	decoder.SetRequestMethod("GET")
	result, err := feed(decoder, []byte("HTTP/1.0 200 OK\r\n\r\nstreamed "), []byte("until close"))
	require.NoError(t, err)
	assert.Equal(t, FramingClose, result.events[0].Framing.Kind)
	assert.False(t, result.events[0].KeepAlive)
	assert.Equal(t, "streamed until close", string(result.body))
	event, err := decoder.DecodeEOF(0)
	require.NoError(t, err)
	assert.Equal(t, EventEnd, event.Kind)
}

func TestDecodeEOF(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleClient, Limits{})
	_, err := decoder.DecodeEOF(0)
	require.ErrorIs(t, err, httperr.ErrConnectionClosed)

	decoder = NewDecoder(RoleClient, Limits{})
	_, err = decoder.DecodeEOF(7)
	require.ErrorIs(t, err, httperr.ErrParse)

	decoder = NewDecoder(RoleClient, Limits{})
	decoder.SetRequestMethod("GET")
	_, err = feed(decoder, []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
	require.NoError(t, err)
	_, err = decoder.DecodeEOF(0)
	require.ErrorIs(t, err, httperr.ErrConnectionClosed)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeKeepAlive(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		input string
		want  bool
	}{
		{input: "GET / HTTP/1.1\r\n\r\n", want: true},
		{input: "GET / HTTP/1.1\r\nConnection: Close\r\n\r\n", want: false},
		{input: "GET / HTTP/1.0\r\n\r\n", want: false},
		{input: "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", want: true},
	}
	for _, testCase := range testCases {
		decoder := NewDecoder(RoleServer, Limits{})
		result, err := feed(decoder, []byte(testCase.input))
		require.NoError(t, err)
		assert.Equal(t, testCase.want, result.events[0].KeepAlive, testCase.input)
	}
}

func TestDecodeExpectContinue(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleServer, Limits{})
	n, event, err := decoder.Decode([]byte("PUT /f HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n"))
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.True(t, event.ExpectContinue)

	decoder = NewDecoder(RoleServer, Limits{})
	_, event, err = decoder.Decode([]byte("PUT /f HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)
	assert.False(t, event.ExpectContinue)
}

func TestDecodePipelinedRequests(t *testing.T) {
	t.Parallel()
	decoder := NewDecoder(RoleServer, Limits{})
	result, err := feed(decoder, []byte("\r\nGET /a HTTP/1.1\r\n\r\nPOST /b HTTP/1.1\r\nContent-Length: 3\r\n\r\nabcGET /c HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []EventKind{
		EventRequestHead, EventEnd,
		EventRequestHead, EventData, EventEnd,
		EventRequestHead, EventEnd,
	}, kinds(result.events))
	assert.Equal(t, "/c", result.events[5].Request.Target)
}
