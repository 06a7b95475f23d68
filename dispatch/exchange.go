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

package dispatch

import (
	"context"
	"strconv"
	"sync"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/internal/h1"
	"github.com/bufbuild/httpengine/internal/h2"
	"github.com/bufbuild/httpengine/message"
)

// State is the coarse state of a connection.
type State int

const (
	// StateHandshaking means an HTTP/2 connection is waiting for the peer's
	// initial SETTINGS.
	StateHandshaking = State(iota)
	StateIdle
	StateReadingHead
	StateExchangingBody
	StateWriting
	// StateUpgraded means the connection switched protocols and is no
	// longer speaking HTTP.
	StateUpgraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateReadingHead:
		return "reading-head"
	case StateExchangingBody:
		return "exchanging-body"
	case StateWriting:
		return "writing"
	case StateUpgraded:
		return "upgraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Response is the result of an exchange.
type Response struct {
	Head *message.ResponseHead
	// Body streams the response body. It is never nil; a response without
	// a body has an ended, empty one.
	Body *body.Body
	// Upgraded is set when the server switched protocols (101, or a 2xx
	// answer to CONNECT over HTTP/1.1). The caller owns it and must close
	// it.
	Upgraded *Upgraded
}

// Exchange is one request submitted on a ClientConn, and its response.
type Exchange struct {
	head    *message.RequestHead
	reqBody *body.Body
	// ctx is done when the exchange is finished or cancelled; the request
	// body is read with it.
	ctx        context.Context //nolint:containedctx
	cancelCtx  context.CancelFunc
	stopWatch  func() bool
	cancelFunc func()
	respReady  chan struct{}
	done       chan struct{}

	// HTTP/1.1 only
	headBytes      []byte
	framing        h1.Framing
	expectContinue bool
	continued      chan struct{}
	finalHead      chan struct{}
	signalOnce     sync.Once
	finalOnce      sync.Once
	// guarded by the connection's mutex
	written      bool
	responseRead bool

	// HTTP/2 only
	stream *h2.Stream

	mu sync.Mutex
	// +checklocks:mu
	response *Response
	// +checklocks:mu
	sender *body.Sender
	// +checklocks:mu
	err error
	// +checklocks:mu
	finished bool
	// +checklocks:mu
	hooks []func(error)
}

func newExchange(parent context.Context, head *message.RequestHead, reqBody *body.Body) *Exchange {
	ctx, cancel := context.WithCancel(parent)
	return &Exchange{
		head:      head,
		reqBody:   reqBody,
		ctx:       ctx,
		cancelCtx: cancel,
		respReady: make(chan struct{}),
		done:      make(chan struct{}),
		continued: make(chan struct{}),
		finalHead: make(chan struct{}),
	}
}

// watch cancels the exchange when ctx is done, until the exchange finishes.
func (e *Exchange) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, e.Cancel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		stop()
		return
	}
	e.stopWatch = stop
}

// Request returns the request head.
func (e *Exchange) Request() *message.RequestHead {
	return e.head
}

// Response waits for the response head. It fails with the exchange's
// terminal error if the exchange ended without one, or with a
// KindCancelled error if ctx is done first.
func (e *Exchange) Response(ctx context.Context) (*Response, error) {
	if e.stream != nil {
		head, respBody, err := e.stream.Response(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Head: head, Body: respBody}, nil
	}
	select {
	case <-e.respReady:
	case <-ctx.Done():
		return nil, httperr.Wrap(httperr.KindCancelled, ctx.Err())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.response == nil {
		return nil, e.err
	}
	return e.response, nil
}

// Cancel abandons the exchange. If the request was already written on an
// HTTP/1.1 connection, the connection is closed. Cancel is a no-op once
// the exchange is done.
func (e *Exchange) Cancel() {
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
}

// Done returns a channel that is closed once the exchange has its terminal
// outcome: the response body was fully received from the peer, or the
// exchange failed.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Err returns the exchange's terminal error, or nil if it is not done or
// succeeded.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// OnDone registers fn to run with the terminal error once the exchange is
// done. If it already is, fn runs immediately. On HTTP/1.1 connections,
// hooks run before the end of the response body is visible to its
// consumer.
func (e *Exchange) OnDone(fn func(error)) {
	e.mu.Lock()
	if !e.finished {
		e.hooks = append(e.hooks, fn)
		e.mu.Unlock()
		return
	}
	err := e.err
	e.mu.Unlock()
	fn(err)
}

// deliver publishes the response head. A sender, if given, is aborted
// should the exchange later fail.
func (e *Exchange) deliver(resp *Response, sender *body.Sender) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || e.response != nil {
		return false
	}
	e.response = resp
	e.sender = sender
	close(e.respReady)
	return true
}

// finish records the terminal outcome; only the first call has an effect.
// A response that was not delivered yet is published after the hooks have
// run.
func (e *Exchange) finish(resp *Response, err error) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.err = err
	publish := e.response == nil
	if publish && err == nil {
		e.response = resp
	}
	sender := e.sender
	hooks := e.hooks
	e.hooks = nil
	stop := e.stopWatch
	e.mu.Unlock()

	if err != nil && sender != nil {
		sender.Abort(err)
	}
	if stop != nil {
		stop()
	}
	e.cancelCtx()
	for _, hook := range hooks {
		hook(err)
	}
	if publish {
		close(e.respReady)
	}
	close(e.done)
}

func (e *Exchange) isFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

func (e *Exchange) signalContinue() {
	e.signalOnce.Do(func() { close(e.continued) })
}

func (e *Exchange) signalFinalHead() {
	e.finalOnce.Do(func() { close(e.finalHead) })
}
