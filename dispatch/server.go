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
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/internal/h1"
	"github.com/bufbuild/httpengine/internal/h2"
	"github.com/bufbuild/httpengine/message"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// Service handles requests. Handle is called once per request, in arrival
// order on HTTP/1.1 connections and concurrently on HTTP/2 ones. The
// response body may keep streaming after Handle returns.
type Service interface {
	Handle(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*message.ResponseHead, *body.Body, error)
}

// ServiceFunc adapts a function to a Service.
type ServiceFunc func(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*message.ResponseHead, *body.Body, error)

func (f ServiceFunc) Handle(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*message.ResponseHead, *body.Body, error) {
	return f(ctx, head, reqBody)
}

// Upgrader is implemented by services that take over connections after
// answering with 101 Switching Protocols or a 2xx to CONNECT. Without it,
// such connections are closed once the response is written.
type Upgrader interface {
	ServeUpgraded(ctx context.Context, head *message.RequestHead, stream *Upgraded)
}

// Incoming is a request received on a ServerConn.
type Incoming struct {
	Head *message.RequestHead
	Body *body.Body

	done         chan struct{}
	doneOnce     sync.Once
	upgradeReady chan struct{}
	upgradeOnce  sync.Once
	upgraded     *Upgraded
	upgradeErr   error

	// HTTP/2 only
	stream *h2.Stream

	// HTTP/1.1 only; fields below sender are guarded by the connection's
	// mutex
	h1             *h1Server
	keepAlive      bool
	wantsUpgrade   bool
	expectContinue bool
	sender         *body.Sender
	bodyRead       bool
	continueWanted bool
	continueSent   bool
	response       *message.ResponseHead
	respBody       *body.Body
	headBytes      []byte
	framing        h1.Framing
	upgrade        bool
	closeAfter     bool
	failed         bool
	err            error
}

func newIncoming(head *message.RequestHead) *Incoming {
	return &Incoming{
		Head:         head,
		done:         make(chan struct{}),
		upgradeReady: make(chan struct{}),
	}
}

// Respond sends the response. The head is validated and queued at once;
// the body is written in the background, after the responses to any
// earlier requests on the same connection. Respond may be called once.
func (in *Incoming) Respond(head *message.ResponseHead, respBody *body.Body) error {
	if in.stream != nil {
		err := in.stream.Respond(head, respBody)
		in.upgradeDone(nil, errNoUpgrade)
		return err
	}
	return in.h1.respond(in, head, respBody)
}

var errNoUpgrade = errors.New("connection was not upgraded")

// Upgrade waits until a response that switched protocols is written, and
// returns the connection, which then belongs to the caller. It fails if
// the response did not switch protocols.
func (in *Incoming) Upgrade(ctx context.Context) (*Upgraded, error) {
	if in.h1 != nil {
		in.h1.mu.Lock()
		responded, upgrade := in.response != nil, in.upgrade
		in.h1.mu.Unlock()
		if responded && !upgrade {
			return nil, errNoUpgrade
		}
	}
	select {
	case <-in.upgradeReady:
		return in.upgraded, in.upgradeErr
	case <-ctx.Done():
		return nil, httperr.Wrap(httperr.KindCancelled, ctx.Err())
	}
}

// Done returns a channel that is closed once the response was completely
// written, or the connection failed.
func (in *Incoming) Done() <-chan struct{} {
	if in.stream != nil {
		return in.stream.Done()
	}
	return in.done
}

func (in *Incoming) upgradeDone(upgraded *Upgraded, err error) {
	in.upgradeOnce.Do(func() {
		in.upgraded = upgraded
		in.upgradeErr = err
		close(in.upgradeReady)
	})
}

func (in *Incoming) markDone() {
	in.upgradeDone(nil, errNoUpgrade)
	in.doneOnce.Do(func() { close(in.done) })
}

func (in *Incoming) fail(err error) {
	in.h1.mu.Lock()
	in.failed = true
	if in.err == nil {
		in.err = err
	}
	respBody := in.respBody
	in.h1.mu.Unlock()
	if in.sender != nil {
		in.sender.Abort(err)
	}
	_ = respBody.Close()
	in.upgradeDone(nil, err)
	in.markDone()
}

// ServerConn serves one connection.
type ServerConn struct {
	logger    *zap.Logger
	transport io.ReadWriteCloser
	ready     chan struct{}
	done      chan struct{}

	// set before ready is closed
	protocol conn.Protocol
	h1       *h1Server
	h2       *h2.Conn

	mu sync.Mutex
	// +checklocks:mu
	started bool
	// +checklocks:mu
	drainRequested bool
}

// NewServerConn starts serving transport. With ProtocolAuto, the default,
// the first bytes decide: an HTTP/2 client preface selects HTTP/2. TLS
// connections that negotiated a protocol via ALPN use it directly.
// Canceling ctx closes the connection.
func NewServerConn(ctx context.Context, transport io.ReadWriteCloser, opts ...Option) *ServerConn {
	options := newOptions(conn.ProtocolAuto, opts)
	sc := &ServerConn{
		logger:    options.logger,
		transport: transport,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	protocol := options.protocol
	if protocol == conn.ProtocolAuto {
		protocol = conn.NegotiatedProtocol(transport)
	}
	switch protocol {
	case conn.ProtocolHTTP1:
		sc.start(ctx, conn.ProtocolHTTP1, transport, nil, options)
	case conn.ProtocolHTTP2:
		sc.start(ctx, conn.ProtocolHTTP2, transport, nil, options)
	default:
		go sc.detect(ctx, transport, options)
	}
	return sc
}

// detect reads until the bytes either match the HTTP/2 client preface or
// diverge from it. Nothing past the preface is read.
func (sc *ServerConn) detect(ctx context.Context, transport io.ReadWriteCloser, options *options) {
	preface := []byte(http2.ClientPreface)
	prefix := make([]byte, 0, len(preface))
	stop := context.AfterFunc(ctx, func() { _ = transport.Close() })
	for len(prefix) < len(preface) && bytes.HasPrefix(preface, prefix) {
		n, err := transport.Read(prefix[len(prefix):len(preface)])
		prefix = prefix[:len(prefix)+n]
		if err != nil && n == 0 {
			break
		}
	}
	stop()
	if bytes.Equal(prefix, preface) {
		sc.start(ctx, conn.ProtocolHTTP2, &replayConn{ReadWriteCloser: transport, prefix: prefix}, nil, options)
		return
	}
	sc.start(ctx, conn.ProtocolHTTP1, transport, prefix, options)
}

func (sc *ServerConn) start(ctx context.Context, protocol conn.Protocol, transport io.ReadWriteCloser, prefix []byte, options *options) {
	sc.protocol = protocol
	var implDone <-chan struct{}
	if protocol == conn.ProtocolHTTP2 {
		cfg := options.h2
		cfg.Role = h2.RoleServer
		cfg.Logger = options.logger
		sc.h2 = h2.NewConn(transport, cfg)
		stop := context.AfterFunc(ctx, func() { _ = sc.h2.Close() })
		implDone = sc.h2.Done()
		go func() {
			<-implDone
			stop()
		}()
	} else {
		sc.h1 = newH1Server(ctx, transport, prefix, options)
		implDone = sc.h1.done
	}
	sc.logger.Debug("serving connection", zap.Stringer("protocol", protocol))
	go func() {
		<-implDone
		close(sc.done)
	}()
	sc.mu.Lock()
	sc.started = true
	drain := sc.drainRequested
	close(sc.ready)
	sc.mu.Unlock()
	if drain {
		sc.drain()
	}
}

// Next waits for the next request. It returns io.EOF once the connection
// will not deliver any more requests.
func (sc *ServerConn) Next(ctx context.Context) (*Incoming, error) {
	select {
	case <-sc.ready:
	case <-ctx.Done():
		return nil, httperr.Wrap(httperr.KindCancelled, ctx.Err())
	}
	if sc.h1 != nil {
		return sc.h1.next(ctx)
	}
	stream, err := sc.h2.Accept(ctx)
	if err != nil {
		return nil, err
	}
	head, reqBody := stream.Request()
	in := newIncoming(head)
	in.Body = reqBody
	in.stream = stream
	return in, nil
}

// Shutdown starts a graceful drain: no new requests are accepted,
// requests in flight are answered, and then the connection closes. HTTP/2
// peers are sent GOAWAY.
func (sc *ServerConn) Shutdown() {
	sc.mu.Lock()
	if !sc.started {
		// start drains once the protocol is known
		sc.drainRequested = true
		sc.mu.Unlock()
		return
	}
	sc.mu.Unlock()
	sc.drain()
}

func (sc *ServerConn) drain() {
	if sc.h1 != nil {
		sc.h1.drain()
		return
	}
	sc.h2.Shutdown()
}

// Close closes the connection at once.
func (sc *ServerConn) Close() error {
	select {
	case <-sc.ready:
	default:
		// unblocks detection
		_ = sc.transport.Close()
		<-sc.ready
	}
	if sc.h1 != nil {
		sc.h1.interrupt()
	} else {
		_ = sc.h2.Close()
	}
	<-sc.done
	return nil
}

// Done returns a channel that is closed when the connection has stopped.
func (sc *ServerConn) Done() <-chan struct{} {
	return sc.done
}

// Err returns the error the connection failed with, if any. A connection
// closed by either side between requests has no error.
func (sc *ServerConn) Err() error {
	select {
	case <-sc.ready:
	default:
		return nil
	}
	if sc.h1 != nil {
		return sc.h1.Err()
	}
	err := sc.h2.Err()
	if httperr.KindOf(err) == httperr.KindConnectionClosed {
		return nil
	}
	return err
}

// Protocol returns the protocol being served. It is ProtocolAuto while
// still detecting.
func (sc *ServerConn) Protocol() conn.Protocol {
	select {
	case <-sc.ready:
		return sc.protocol
	default:
		return conn.ProtocolAuto
	}
}

// Serve serves transport with svc until the connection closes or ctx is
// done. Responses that fail to produce a head become 500s.
func Serve(ctx context.Context, transport io.ReadWriteCloser, svc Service, opts ...Option) error {
	sc := NewServerConn(ctx, transport, opts...)
	return sc.Serve(ctx, svc)
}

// Serve runs Next, Handle, and Respond in a loop until no more requests
// arrive, then waits for the connection to finish.
func (sc *ServerConn) Serve(ctx context.Context, svc Service) error {
	var group errgroup.Group
	for {
		in, err := sc.Next(ctx)
		if err != nil {
			break
		}
		if sc.protocol == conn.ProtocolHTTP2 {
			group.Go(func() error {
				sc.handle(ctx, svc, in)
				return nil
			})
			continue
		}
		sc.handle(ctx, svc, in)
	}
	_ = group.Wait()
	select {
	case <-sc.done:
	case <-ctx.Done():
		_ = sc.Close()
	}
	return sc.Err()
}

func (sc *ServerConn) handle(ctx context.Context, svc Service, in *Incoming) {
	head, respBody, err := svc.Handle(ctx, in.Head, in.Body)
	if err != nil {
		sc.logger.Debug("handler failed", zap.String("target", in.Head.Target), zap.Error(err))
		head, respBody = errorResponse(err), nil
	}
	if err := in.Respond(head, respBody); err != nil {
		switch {
		case errors.Is(err, errAlreadyResponded),
			httperr.KindOf(err) == httperr.KindConnectionClosed,
			httperr.KindOf(err) == httperr.KindConnection,
			httperr.KindOf(err) == httperr.KindCancelled:
			return
		}
		sc.logger.Warn("invalid response", zap.String("target", in.Head.Target), zap.Error(err))
		if err := in.Respond(errorResponse(err), nil); err != nil {
			return
		}
	}
	upgraded, err := in.Upgrade(ctx)
	if err != nil {
		return
	}
	if upgrader, ok := svc.(Upgrader); ok {
		upgrader.ServeUpgraded(ctx, in.Head, upgraded)
		return
	}
	_ = upgraded.Close()
}

func errorResponse(err error) *message.ResponseHead {
	switch httperr.KindOf(err) {
	case httperr.KindParse, httperr.KindAmbiguousFraming:
		return message.NewResponse(400)
	case httperr.KindTooLarge:
		return message.NewResponse(431)
	default:
		return message.NewResponse(500)
	}
}

// replayConn returns prefix before reading from the transport.
type replayConn struct {
	io.ReadWriteCloser
	prefix []byte
}

func (r *replayConn) Read(p []byte) (int, error) {
	if len(r.prefix) > 0 {
		n := copy(p, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	return r.ReadWriteCloser.Read(p)
}
