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

package h2

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, clientCfg, serverCfg Config) (*Conn, *Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	clientCfg.Role = RoleClient
	serverCfg.Role = RoleServer
	client := NewConn(clientSide, clientCfg)
	server := NewConn(serverSide, serverCfg)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	req := message.NewRequest("GET", "/items?page=2", "Accept", "text/plain", "Connection", "keep-alive")
	req.Authority = "example.com"
	stream, err := client.Submit(ctx, req, nil)
	require.NoError(t, err)

	incoming, err := server.Accept(ctx)
	require.NoError(t, err)
	head, reqBody := incoming.Request()
	assert.Equal(t, "GET", head.Method)
	assert.Equal(t, "/items?page=2", head.Target)
	assert.Equal(t, "example.com", head.Authority)
	assert.Equal(t, "https", head.Scheme)
	assert.Equal(t, message.HTTP2, head.Version)
	assert.Equal(t, "text/plain", head.Header.Get("accept"))
	assert.False(t, head.Header.Has("Connection"))
	data, err := reqBody.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, data)

	sender, respBody := body.Channel()
	require.NoError(t, incoming.Respond(message.NewResponse(200, "Content-Type", "text/plain"), respBody))
	go func() {
		_ = sender.Send(ctx, []byte("hello, "))
		_ = sender.Send(ctx, []byte("world"))
		_ = sender.End(message.NewHeader("Grpc-Status", "0"))
	}()

	resp, respData, err := stream.Response(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	all, err := respData.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(all))
	trailers := respData.Trailers()
	assert.Equal(t, "0", trailers.Get("grpc-status"))

	requireDone(t, stream.Done())
	requireDone(t, incoming.Done())
	assert.Equal(t, 0, client.ActiveStreams())
}

func TestRequestBody(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	sender, reqBody := body.Channel()
	stream, err := client.Submit(ctx, message.NewRequest("POST", "/upload"), reqBody)
	require.NoError(t, err)
	go func() {
		for i := 0; i < 10; i++ {
			_ = sender.Send(ctx, bytes.Repeat([]byte{'a' + byte(i)}, 1000))
		}
		_ = sender.End(message.NewHeader("Checksum", "xyz"))
	}()

	incoming, err := server.Accept(ctx)
	require.NoError(t, err)
	_, received := incoming.Request()
	data, err := received.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, data, 10000)
	assert.Equal(t, byte('j'), data[9999])
	trailers := received.Trailers()
	assert.Equal(t, "xyz", trailers.Get("Checksum"))

	require.NoError(t, incoming.Respond(message.NewResponse(204), nil))
	resp, respBody, err := stream.Response(ctx)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, body.StateEnded, respBody.State())
}

type countingReader struct {
	remaining int
	read      atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	r.read.Add(int64(n))
	return n, nil
}

func TestFlowControlFollowsDemand(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	const window = 65535
	const total = 1 << 20
	client, server := newPair(t, Config{}, Config{InitialStreamWindowSize: window})

	src := &countingReader{remaining: total}
	_, err := client.Submit(ctx, message.NewRequest("PUT", "/blob"), body.FromReader(src, total))
	require.NoError(t, err)
	incoming, err := server.Accept(ctx)
	require.NoError(t, err)

	// Nothing consumes the request body, so the client may only send one
	// window's worth, and reads at most a chunk beyond what it sent.
	require.Eventually(t, func() bool {
		return src.read.Load() >= window
	}, 5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		return src.read.Load() > window+2*(32<<10)
	}, 200*time.Millisecond, 10*time.Millisecond)

	_, received := incoming.Request()
	data, err := received.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, data, total)
	assert.Equal(t, int64(total), src.read.Load())
}

func TestConcurrentStreamLimit(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{MaxConcurrentStreams: 1})
	require.Eventually(t, func() bool {
		return !client.Handshaking()
	}, 5*time.Second, 10*time.Millisecond)

	first, err := client.Submit(ctx, message.NewRequest("GET", "/1"), nil)
	require.NoError(t, err)
	assert.False(t, client.Available())
	assert.True(t, client.Reusable())

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = client.Submit(shortCtx, message.NewRequest("GET", "/2"), nil)
	require.ErrorIs(t, err, httperr.ErrCancelled)

	incoming, err := server.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, incoming.Respond(message.NewResponse(200), body.String("x")))
	_, respBody, err := first.Response(ctx)
	require.NoError(t, err)
	_, err = respBody.ReadAll(ctx)
	require.NoError(t, err)

	second, err := client.Submit(ctx, message.NewRequest("GET", "/2"), nil)
	require.NoError(t, err)
	incoming, err = server.Accept(ctx)
	require.NoError(t, err)
	head, _ := incoming.Request()
	assert.Equal(t, "/2", head.Target)
	require.NoError(t, incoming.Respond(message.NewResponse(200), nil))
	resp, _, err := second.Response(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestStreamReset(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	stream, err := client.Submit(ctx, message.NewRequest("GET", "/"), nil)
	require.NoError(t, err)
	incoming, err := server.Accept(ctx)
	require.NoError(t, err)
	incoming.Cancel()

	_, _, err = stream.Response(ctx)
	require.ErrorIs(t, err, httperr.ErrStream)
	assert.Equal(t, httperr.KindStream, httperr.KindOf(err))

	// the connection survives
	assert.True(t, client.Reusable())
	stream, err = client.Submit(ctx, message.NewRequest("GET", "/again"), nil)
	require.NoError(t, err)
	incoming, err = server.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, incoming.Respond(message.NewResponse(200), nil))
	resp, _, err := stream.Response(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestClientCancel(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	sender, reqBody := body.Channel()
	stream, err := client.Submit(ctx, message.NewRequest("POST", "/"), reqBody)
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, []byte("partial")))
	incoming, err := server.Accept(ctx)
	require.NoError(t, err)
	_, received := incoming.Request()
	chunk, err := received.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(chunk))

	stream.Cancel()
	_, err = received.Next(ctx)
	require.ErrorIs(t, err, httperr.ErrStream)
	requireDone(t, incoming.Done())
}

func TestPing(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})
	require.NoError(t, client.Ping(ctx))
	require.NoError(t, server.Ping(ctx))
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	stream, err := client.Submit(ctx, message.NewRequest("GET", "/slow"), nil)
	require.NoError(t, err)
	incoming, err := server.Accept(ctx)
	require.NoError(t, err)

	server.Shutdown()
	_, err = server.Accept(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool {
		return !client.Reusable()
	}, 5*time.Second, 10*time.Millisecond)
	_, err = client.Submit(ctx, message.NewRequest("GET", "/late"), nil)
	require.ErrorIs(t, err, httperr.ErrConnection)

	// the in-flight stream still completes
	require.NoError(t, incoming.Respond(message.NewResponse(200), body.String("done")))
	_, respBody, err := stream.Response(ctx)
	require.NoError(t, err)
	data, err := respBody.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))

	requireDone(t, server.Done())
	requireDone(t, client.Done())
}

func TestPeerClosed(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	stream, err := client.Submit(ctx, message.NewRequest("GET", "/"), nil)
	require.NoError(t, err)
	_, err = server.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, server.Close())

	_, _, err = stream.Response(ctx)
	require.ErrorIs(t, err, httperr.ErrConnectionClosed)
	requireDone(t, client.Done())
	assert.False(t, client.Reusable())
	assert.False(t, client.Available())
}

func TestLargeHeaderBlock(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client, server := newPair(t, Config{}, Config{})

	big := strings.Repeat("0123456789abcdef", 1500)
	stream, err := client.Submit(ctx, message.NewRequest("GET", "/", "X-Big", big), nil)
	require.NoError(t, err)
	incoming, err := server.Accept(ctx)
	require.NoError(t, err)
	head, _ := incoming.Request()
	assert.Equal(t, big, head.Header.Get("X-Big"))
	require.NoError(t, incoming.Respond(message.NewResponse(200), nil))
	_, _, err = stream.Response(ctx)
	require.NoError(t, err)
}

func TestRequestFields(t *testing.T) {
	t.Parallel()
	head := message.NewRequest("POST", "/p",
		"Host", "ignored.example",
		"Transfer-Encoding", "chunked",
		"TE", "gzip",
		"X-Custom", "1",
	)
	head.Authority = "api.example"
	fields, err := requestFields(head, "http", 12)
	require.NoError(t, err)
	var names []string
	for _, field := range fields {
		names = append(names, field.Name+"="+field.Value)
	}
	assert.Equal(t, []string{
		":method=POST", ":scheme=http", ":authority=api.example", ":path=/p",
		"x-custom=1", "content-length=12",
	}, names)

	connect := message.NewRequest("CONNECT", "proxy.example:443")
	fields, err = requestFields(connect, "https", -1)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "proxy.example:443", fields[1].Value)

	_, err = requestFields(message.NewRequest("GET", "/", "X-Bad", "a\nb"), "https", 0)
	require.ErrorIs(t, err, httperr.ErrParse)
}

func requireDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
