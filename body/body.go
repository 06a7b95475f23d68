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

// Package body provides the streaming message body used for both requests
// and responses, on both the client and the server side.
//
// A body is a single-producer, single-consumer channel of byte chunks,
// optionally followed by trailers. The producer holds a [Sender] and the
// consumer holds a [Body]. The two are coupled by a single-slot demand
// signal: the consumer advertises that it is ready for another chunk each
// time it calls [Body.Next], and the producer's [Sender.Send] does not
// complete until that demand exists. So a producer that reads from a
// network connection only when [Sender.Ready] returns will never read
// more than one chunk ahead of its consumer.
//
// A nil *Body is valid and behaves like [Empty].
package body

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
)

// State is the observable state of a body.
type State int

const (
	// StateEmpty means nothing has been produced yet and the body has not
	// ended.
	StateEmpty = State(iota)
	// StateStreaming means at least one chunk was produced, but the
	// producer has not yet ended the body.
	StateStreaming
	// StateEnded means the producer ended (or aborted) the body. Buffered
	// data may still be waiting for the consumer.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	errAlreadyEnded = errors.New("body already ended")
	errDropped      = httperr.New(httperr.KindCancelled, "body consumer went away")
	errClosed       = httperr.New(httperr.KindCancelled, "body was closed")
)

// pipe is the state shared by a Sender and a Body.
type pipe struct {
	sizeHint int64
	// readyForMore has room for one notification; the consumer signals it
	// when it sets wanted.
	readyForMore chan struct{}
	// produced has room for one notification; the producer signals it
	// when it fills the slot or ends the body.
	produced chan struct{}
	// dropped is closed when the consumer closes the body.
	dropped chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	wanted bool
	// +checklocks:mu
	slot []byte
	// +checklocks:mu
	full bool
	// +checklocks:mu
	started bool
	// +checklocks:mu
	ended bool
	// +checklocks:mu
	trailers message.Header
	// +checklocks:mu
	err error
	// +checklocks:mu
	closed bool
}

func newPipe(sizeHint int64) *pipe {
	return &pipe{
		sizeHint:     sizeHint,
		readyForMore: make(chan struct{}, 1),
		produced:     make(chan struct{}, 1),
		dropped:      make(chan struct{}),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Channel returns the two ends of a new streaming body with an unknown
// length.
func Channel() (*Sender, *Body) {
	return SizedChannel(-1)
}

// SizedChannel is like Channel, but the body carries a size hint. A
// non-negative hint is the exact number of bytes the producer will send,
// and is used to choose the body's wire framing.
func SizedChannel(size int64) (*Sender, *Body) {
	p := newPipe(size)
	return &Sender{p: p}, &Body{p: p}
}

// Empty returns a body that is already ended and has no data.
func Empty() *Body {
	p := newPipe(0)
	p.ended = true
	return &Body{p: p}
}

// Bytes returns an ended body whose only chunk is data. The slice is not
// copied.
func Bytes(data []byte) *Body {
	if len(data) == 0 {
		return Empty()
	}
	p := newPipe(int64(len(data)))
	p.slot = data
	p.full = true
	p.started = true
	p.ended = true
	return &Body{p: p}
}

// String is like Bytes, but for a string.
func String(s string) *Body {
	return Bytes([]byte(s))
}

// Sender is the producing end of a body. Its methods are safe for use by
// one goroutine at a time.
type Sender struct {
	p *pipe
}

// Ready blocks until the consumer has signaled demand for a chunk. It
// returns an error if the consumer dropped the body, the body already
// ended, or ctx is done.
func (s *Sender) Ready(ctx context.Context) error {
	for {
		s.p.mu.Lock()
		switch {
		case s.p.closed:
			s.p.mu.Unlock()
			return errDropped
		case s.p.ended:
			s.p.mu.Unlock()
			return errAlreadyEnded
		case s.p.wanted && !s.p.full:
			s.p.mu.Unlock()
			return nil
		}
		s.p.mu.Unlock()
		select {
		case <-s.p.readyForMore:
		case <-s.p.dropped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send waits for demand and then hands data to the consumer. The consumer
// owns data afterwards; the caller must not modify it. Empty chunks are
// ignored.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.Ready(ctx); err != nil {
		return err
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.closed {
		return errDropped
	}
	s.p.slot = data
	s.p.full = true
	s.p.wanted = false
	s.p.started = true
	notify(s.p.produced)
	return nil
}

// End marks the body as complete. The trailers, which may be empty, are
// made available to the consumer after it has drained all data. End may
// only be called once, and not after Abort.
func (s *Sender) End(trailers message.Header) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.ended {
		return errAlreadyEnded
	}
	s.p.ended = true
	s.p.trailers = trailers
	notify(s.p.produced)
	return nil
}

// Abort ends the body with an error. After draining any chunk already
// handed over, the consumer observes err instead of io.EOF. If err is nil,
// a cancellation error is used. Abort after End is a no-op.
func (s *Sender) Abort(err error) {
	if err == nil {
		err = httperr.ErrCancelled
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.ended {
		return
	}
	s.p.ended = true
	s.p.err = err
	notify(s.p.produced)
}

// Closed returns a channel that is closed when the consumer drops the body.
func (s *Sender) Closed() <-chan struct{} {
	return s.p.dropped
}

// Body is the consuming end of a body. Its methods, other than State and
// SizeHint, are safe for use by one goroutine at a time.
type Body struct {
	p *pipe
	// remainder of a chunk partially consumed by Read
	rest []byte
}

// Next signals demand and then returns the next chunk. At the end of the
// body it returns io.EOF, or the error the producer aborted with. The
// returned slice belongs to the caller.
func (b *Body) Next(ctx context.Context) ([]byte, error) {
	if b == nil {
		return nil, io.EOF
	}
	if len(b.rest) > 0 {
		chunk := b.rest
		b.rest = nil
		return chunk, nil
	}
	for {
		b.p.mu.Lock()
		switch {
		case b.p.full:
			chunk := b.p.slot
			b.p.slot = nil
			b.p.full = false
			b.p.mu.Unlock()
			return chunk, nil
		case b.p.ended:
			err := b.p.err
			b.p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		case b.p.closed:
			b.p.mu.Unlock()
			return nil, errClosed
		}
		if !b.p.wanted {
			b.p.wanted = true
			notify(b.p.readyForMore)
		}
		b.p.mu.Unlock()
		select {
		case <-b.p.produced:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read implements io.Reader. It does not observe any context; use Next
// for cancellable reads.
func (b *Body) Read(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	chunk, err := b.Next(context.Background())
	if err != nil {
		return 0, err
	}
	n := copy(data, chunk)
	if n < len(chunk) {
		b.rest = chunk[n:]
	}
	return n, nil
}

// ReadAll consumes the rest of the body and returns it.
func (b *Body) ReadAll(ctx context.Context) ([]byte, error) {
	var all []byte
	for {
		chunk, err := b.Next(ctx)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, chunk...)
	}
}

// Trailers returns the trailers the producer ended the body with. They
// are only meaningful once Next has returned io.EOF.
func (b *Body) Trailers() message.Header {
	if b == nil {
		return message.Header{}
	}
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.p.trailers
}

// State returns the current state of the body.
func (b *Body) State() State {
	if b == nil {
		return StateEnded
	}
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	switch {
	case b.p.ended:
		return StateEnded
	case b.p.started:
		return StateStreaming
	default:
		return StateEmpty
	}
}

// SizeHint returns the exact size of the body, if known, or -1.
func (b *Body) SizeHint() int64 {
	if b == nil {
		return 0
	}
	return b.p.sizeHint
}

// Drained reports whether the body ended and all of its data was
// consumed.
func (b *Body) Drained() bool {
	if b == nil {
		return true
	}
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.p.ended && !b.p.full && len(b.rest) == 0
}

// Close drops the body. Any further production fails, which causes the
// exchange the body belongs to to be abandoned unless it already ended.
// Close is idempotent.
func (b *Body) Close() error {
	if b == nil {
		return nil
	}
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	if b.p.closed {
		return nil
	}
	b.p.closed = true
	b.p.slot = nil
	b.p.full = false
	b.rest = nil
	close(b.p.dropped)
	return nil
}
