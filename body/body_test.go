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

package body

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	t.Parallel()
	b := Empty()
	assert.Equal(t, StateEnded, b.State())
	assert.Equal(t, int64(0), b.SizeHint())
	chunk, err := b.Next(context.Background())
	assert.Nil(t, chunk)
	require.ErrorIs(t, err, io.EOF)
	assert.True(t, b.Drained())

	var nilBody *Body
	assert.Equal(t, StateEnded, nilBody.State())
	_, err = nilBody.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, nilBody.Close())
}

func TestBytes(t *testing.T) {
	t.Parallel()
	b := String("hello")
	assert.Equal(t, int64(5), b.SizeHint())
	assert.Equal(t, StateEnded, b.State())
	assert.False(t, b.Drained())
	data, err := b.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, b.Drained())
}

func TestSendWaitsForDemand(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	sender, b := Channel()
	assert.Equal(t, StateEmpty, b.State())

	var sent atomic.Int32
	go func() {
		for _, chunk := range []string{"a", "b"} {
			if err := sender.Send(ctx, []byte(chunk)); err != nil {
				return
			}
			sent.Add(1)
		}
		_ = sender.End(message.NewHeader("Grpc-Status", "0"))
	}()

	// no demand, no progress
	require.Never(t, func() bool { return sent.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	chunk, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(chunk))
	assert.Equal(t, StateStreaming, b.State())
	// the first send completed, but the second is still waiting for demand
	require.Eventually(t, func() bool { return sent.Load() == 1 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return sent.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	chunk, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(chunk))
	_, err = b.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	trailers := b.Trailers()
	assert.Equal(t, "0", trailers.Get("grpc-status"))
}

func TestEndOnlyOnce(t *testing.T) {
	t.Parallel()
	sender, _ := Channel()
	require.NoError(t, sender.End(message.Header{}))
	require.Error(t, sender.End(message.Header{}))
	require.Error(t, sender.Ready(context.Background()))
}

func TestAbort(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	sender, b := Channel()
	boom := errors.New("boom")
	go func() {
		_ = sender.Send(ctx, []byte("partial"))
		sender.Abort(boom)
	}()
	chunk, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(chunk))
	_, err = b.Next(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateEnded, b.State())
}

func TestCloseCancelsProducer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	sender, b := Channel()
	errs := make(chan error, 1)
	go func() {
		errs <- sender.Send(ctx, []byte("never read"))
	}()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	select {
	case err := <-errs:
		require.ErrorIs(t, err, httperr.ErrCancelled)
	case <-ctx.Done():
		t.Fatal("send did not observe close")
	}
	select {
	case <-sender.Closed():
	default:
		t.Fatal("closed channel not signaled")
	}
	_, err := b.Next(ctx)
	require.ErrorIs(t, err, httperr.ErrCancelled)
}

func TestNextHonorsContext(t *testing.T) {
	t.Parallel()
	_, b := Channel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRead(t *testing.T) {
	t.Parallel()
	b := FromReader(strings.NewReader("hello world"), 11)
	assert.Equal(t, int64(11), b.SizeHint())
	buf := make([]byte, 4)
	var out []byte
	for {
		n, err := b.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "hello world", string(out))
}

func TestFromReaderBackpressure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	src := &countingReader{chunks: []string{"one", "two", "three"}}
	b := FromReader(src, -1)

	// withholding demand means the source is never read
	require.Never(t, func() bool { return src.reads.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	chunk, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(chunk))
	require.Never(t, func() bool { return src.reads.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	rest, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "twothree", string(rest))
	require.Eventually(t, src.closed.Load, time.Second, time.Millisecond)
}

func TestFromReaderError(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk on fire")
	b := FromReader(io.MultiReader(strings.NewReader("abc"), &failingReader{err: boom}), -1)
	data, err := b.ReadAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "abc", string(data))
}

type countingReader struct {
	chunks []string
	reads  atomic.Int32
	closed atomic.Bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	idx := int(r.reads.Add(1)) - 1
	if idx >= len(r.chunks) {
		return 0, io.EOF
	}
	return copy(p, r.chunks[idx]), nil
}

func (r *countingReader) Close() error {
	r.closed.Store(true)
	return nil
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}
