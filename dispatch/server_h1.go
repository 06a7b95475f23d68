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
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/internal/h1"
	"github.com/bufbuild/httpengine/message"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const continueLine = "HTTP/1.1 100 Continue\r\n\r\n"

var errAlreadyResponded = errors.New("response already written")

type writeAction int

const (
	actionStop = writeAction(iota)
	actionContinue
	actionRespond
)

// h1Server serves requests from an HTTP/1.1 connection. The read loop
// decodes one request at a time and waits until its response was written
// before decoding the next; the write loop writes responses in request
// order.
type h1Server struct {
	opts      *options
	logger    *zap.Logger
	transport io.ReadWriteCloser
	ctx       context.Context //nolint:containedctx
	cancel    context.CancelFunc
	done      chan struct{}

	// owned by the read loop, and by the write loop once the read loop
	// stopped for an upgrade
	decoder *h1.Decoder
	rbuf    []byte
	scratch []byte

	mu   sync.Mutex
	cond *sync.Cond
	// requests not yet returned by Next
	// +checklocks:mu
	accepted []*Incoming
	// requests whose responses are not completely written, in order
	// +checklocks:mu
	pending []*Incoming
	// +checklocks:mu
	readerStopped bool
	// the read loop is waiting for the first byte of a request
	// +checklocks:mu
	readerWaiting bool
	// +checklocks:mu
	draining bool
	// +checklocks:mu
	stopped bool
	// +checklocks:mu
	noReuse bool
	// +checklocks:mu
	upgraded bool
	// +checklocks:mu
	err error
}

func newH1Server(ctx context.Context, transport io.ReadWriteCloser, prefix []byte, opts *options) *h1Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &h1Server{
		opts:      opts,
		logger:    opts.logger,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		decoder:   h1.NewDecoder(h1.RoleServer, opts.limits),
		rbuf:      append([]byte(nil), prefix...),
		scratch:   make([]byte, readChunkSize),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *h1Server) run() {
	defer close(s.done)
	group, ctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()
	group.Go(func() error {
		return s.readLoop(ctx)
	})
	group.Go(func() error {
		return s.writeLoop(ctx)
	})
	err := group.Wait()
	if errors.Is(err, errFinished) {
		err = nil
	}
	s.interrupt()
	s.shutdown(err)
	if err != nil {
		s.logger.Warn("connection failed", zap.Error(err))
	} else {
		s.logger.Debug("connection closed")
	}
}

func (s *h1Server) interrupt() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	upgraded := s.upgraded
	s.cond.Broadcast()
	s.mu.Unlock()
	if !upgraded {
		_ = s.transport.Close()
	}
}

func (s *h1Server) shutdown(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.readerStopped = true
	s.stopped = true
	pending := s.pending
	s.pending, s.accepted = nil, nil
	s.cond.Broadcast()
	s.mu.Unlock()
	if err == nil {
		err = errConnClosed
	}
	for _, in := range pending {
		in.fail(err)
	}
}

// drain stops reading new requests. An idle connection closes now; a busy
// one after the responses in flight.
func (s *h1Server) drain() {
	s.mu.Lock()
	s.draining = true
	idle := len(s.pending) == 0 && s.readerWaiting
	s.cond.Broadcast()
	s.mu.Unlock()
	if idle {
		s.interrupt()
	}
}

func (s *h1Server) next(ctx context.Context) (*Incoming, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch {
		case len(s.accepted) > 0:
			in := s.accepted[0]
			s.accepted[0] = nil
			s.accepted = s.accepted[1:]
			return in, nil
		case s.readerStopped || s.stopped:
			return nil, io.EOF
		case ctx.Err() != nil:
			return nil, httperr.Wrap(httperr.KindCancelled, ctx.Err())
		}
		s.cond.Wait()
	}
}

func (s *h1Server) readLoop(ctx context.Context) error {
	for s.awaitIdle() {
		more, err := s.readRequest(ctx)
		if err != nil || !more {
			s.stopReading()
			return err
		}
	}
	s.stopReading()
	return nil
}

// awaitIdle waits until every response so far was written, and reports
// whether another request may be read.
func (s *h1Server) awaitIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 && !s.stopped {
		s.cond.Wait()
	}
	return !s.stopped && !s.draining && !s.noReuse
}

func (s *h1Server) stopReading() {
	s.mu.Lock()
	s.readerStopped = true
	s.readerWaiting = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// readRequest decodes one request and streams its body. It reports
// whether the connection may carry another request.
func (s *h1Server) readRequest(ctx context.Context) (bool, error) {
	var event h1.Event
	for event.Kind != h1.EventRequestHead {
		n, ev, err := s.decoder.Decode(s.rbuf)
		s.consume(n)
		switch {
		case err != nil:
			s.reject(err)
			return false, nil
		case ev.Kind == h1.EventRequestHead:
			event = ev
			continue
		case ev.Kind != h1.EventNeedMore:
			s.reject(httperr.Newf(httperr.KindParse, "unexpected %v before request head", ev.Kind))
			return false, nil
		}
		s.setWaiting(len(s.rbuf) == 0)
		err = s.fill()
		s.setWaiting(false)
		if err != nil {
			// The client went away, or the connection is draining.
			// Nobody is left to answer.
			return false, nil
		}
	}

	in := newIncoming(event.Request)
	in.h1 = s
	in.keepAlive = event.KeepAlive && !s.opts.disableKeepAlive
	in.wantsUpgrade = event.Upgrade
	in.expectContinue = event.ExpectContinue
	var sender *body.Sender
	if event.Framing.HasBody() {
		size := int64(-1)
		if event.Framing.Kind == h1.FramingLength {
			size = event.Framing.Length
		}
		sender, in.Body = body.SizedChannel(size)
		in.sender = sender
	} else {
		// the decoder reports the end of the empty body next
		n, _, _ := s.decoder.Decode(s.rbuf)
		s.consume(n)
		in.Body = body.Empty()
		in.bodyRead = true
	}
	s.mu.Lock()
	s.accepted = append(s.accepted, in)
	s.pending = append(s.pending, in)
	s.cond.Broadcast()
	s.mu.Unlock()

	if sender != nil {
		more, err := s.readBody(ctx, in, sender)
		if err != nil || !more {
			return false, err
		}
	}
	if !in.keepAlive {
		return false, nil
	}
	if in.wantsUpgrade && s.awaitUpgradeDecision(in) {
		return false, nil
	}
	return true, nil
}

func (s *h1Server) readBody(ctx context.Context, in *Incoming, sender *body.Sender) (bool, error) {
	for {
		n, event, err := s.decoder.Decode(s.rbuf)
		if err != nil {
			s.consume(n)
			sender.Abort(err)
			s.markNoReuse()
			return false, nil
		}
		switch event.Kind {
		case h1.EventData:
			chunk := bytes.Clone(event.Data)
			s.consume(n)
			if err := sender.Send(ctx, chunk); err != nil {
				return s.bodyDropped(sender)
			}
		case h1.EventEnd:
			s.consume(n)
			s.mu.Lock()
			in.bodyRead = true
			s.mu.Unlock()
			_ = sender.End(event.Trailers)
			return true, nil
		case h1.EventNeedMore:
			s.consume(n)
			if err := sender.Ready(ctx); err != nil {
				return s.bodyDropped(sender)
			}
			s.requestContinue(in)
			if err := s.fill(); err != nil {
				if errors.Is(err, io.EOF) {
					_, err = s.decoder.DecodeEOF(len(s.rbuf))
				} else {
					err = &httperr.Error{Kind: httperr.KindConnectionClosed, Msg: "read failed", Err: err}
				}
				sender.Abort(err)
				return false, err
			}
		default:
			err := httperr.Newf(httperr.KindParse, "unexpected %v in request body", event.Kind)
			sender.Abort(err)
			s.markNoReuse()
			return false, nil
		}
	}
}

// bodyDropped stops reading a request body nobody wants. The rest of it is
// still on the wire, so the connection closes after the response.
func (s *h1Server) bodyDropped(sender *body.Sender) (bool, error) {
	sender.Abort(errConnClosing)
	s.markNoReuse()
	return false, nil
}

// requestContinue asks the write loop for "100 Continue" the first time
// the handler wants the body of a request that expects one.
func (s *h1Server) requestContinue(in *Incoming) {
	if !in.expectContinue {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !in.continueWanted {
		in.continueWanted = true
		s.cond.Broadcast()
	}
}

// awaitUpgradeDecision waits for the response to a request that asked to
// switch protocols, and reports whether the switch happens.
func (s *h1Server) awaitUpgradeDecision(in *Incoming) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for in.response == nil && !s.stopped && !in.failed {
		s.cond.Wait()
	}
	return in.upgrade
}

// reject answers a request that could not be decoded and closes the
// connection.
func (s *h1Server) reject(err error) {
	status := 400
	if httperr.KindOf(err) == httperr.KindTooLarge {
		status = 431
	}
	s.logger.Debug("rejecting malformed request", zap.Int("status", status), zap.Error(err))
	in := newIncoming(&message.RequestHead{Method: message.MethodGet, Version: message.HTTP11})
	in.h1 = s
	in.bodyRead = true
	in.Body = body.Empty()
	head := message.NewResponse(status)
	info := h1.RequestInfo{Method: message.MethodGet, Version: message.HTTP11}
	headBytes, framing, encodeErr := h1.EncodeResponseHead(nil, head, info, 0)
	if encodeErr != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in.response = head
	in.headBytes = headBytes
	in.framing = framing
	in.closeAfter = true
	s.pending = append(s.pending, in)
	s.cond.Broadcast()
}

func (s *h1Server) respond(in *Incoming, head *message.ResponseHead, respBody *body.Body) error {
	upgrade := head.Status == 101 ||
		(in.Head.Method == message.MethodConnect && head.Status >= 200 && head.Status < 300)
	switch {
	case upgrade && !in.wantsUpgrade:
		_ = respBody.Close()
		return httperr.Newf(httperr.KindParse, "status %d switches protocols, but the request did not ask to", head.Status)
	case head.IsInformational() && !upgrade:
		_ = respBody.Close()
		return httperr.Newf(httperr.KindParse, "interim status %d cannot be sent as a response", head.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.failed {
		_ = respBody.Close()
		return in.err
	}
	if in.response != nil {
		_ = respBody.Close()
		return errAlreadyResponded
	}
	// an unread request body is still on the wire
	keepAlive := in.keepAlive && in.bodyRead && !s.noReuse && !s.draining
	info := h1.RequestInfo{Method: in.Head.Method, Version: in.Head.Version, KeepAlive: keepAlive}
	sizeHint := respBody.SizeHint()
	if upgrade {
		sizeHint = 0
	}
	headBytes, framing, err := h1.EncodeResponseHead(nil, head, info, sizeHint)
	if err != nil {
		_ = respBody.Close()
		return err
	}
	if upgrade || !framing.HasBody() {
		_ = respBody.Close()
		respBody = nil
	}
	in.response = head
	in.respBody = respBody
	in.headBytes = headBytes
	in.framing = framing
	in.upgrade = upgrade
	in.closeAfter = !keepAlive || framing.Kind == h1.FramingClose
	s.cond.Broadcast()
	return nil
}

func (s *h1Server) writeLoop(ctx context.Context) error {
	for {
		in, action := s.nextWrite()
		switch action {
		case actionContinue:
			if _, err := io.WriteString(s.transport, continueLine); err != nil {
				return s.writeFailed(err)
			}
		case actionRespond:
			closeAfter, err := s.writeResponse(ctx, in)
			if err != nil {
				return err
			}
			if closeAfter {
				return errFinished
			}
		default:
			return nil
		}
	}
}

func (s *h1Server) nextWrite() (*Incoming, writeAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.stopped {
		if len(s.pending) > 0 {
			in := s.pending[0]
			if in.response != nil {
				return in, actionRespond
			}
			if in.continueWanted && !in.continueSent {
				in.continueSent = true
				return in, actionContinue
			}
		} else if s.readerStopped {
			return nil, actionStop
		}
		s.cond.Wait()
	}
	return nil, actionStop
}

// writeResponse writes the head and body of the oldest response, and
// reports whether the connection must close afterwards.
func (s *h1Server) writeResponse(ctx context.Context, in *Incoming) (bool, error) {
	if _, err := s.transport.Write(in.headBytes); err != nil {
		return false, s.writeFailed(err)
	}
	if in.upgrade {
		return true, s.handOver(in)
	}
	if in.respBody != nil {
		if err := s.writeBody(ctx, in); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	s.pending = s.pending[1:]
	closeAfter := in.closeAfter || s.noReuse || s.draining || !in.bodyRead
	if closeAfter {
		s.noReuse = true
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	in.markDone()
	return closeAfter, nil
}

func (s *h1Server) writeBody(ctx context.Context, in *Incoming) error {
	defer func() {
		_ = in.respBody.Close()
	}()
	encoder := h1.NewBodyEncoder(in.framing)
	var buf []byte
	for {
		chunk, err := in.respBody.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The body cannot be framed to completion; closing the
			// connection tells the client it is truncated.
			return &httperr.Error{Kind: httperr.KindCancelled, Msg: "response body failed", Err: err}
		}
		if buf, err = encoder.Encode(buf[:0], chunk); err != nil {
			return err
		}
		if _, err := s.transport.Write(buf); err != nil {
			return s.writeFailed(err)
		}
	}
	buf, err := encoder.Finish(buf[:0], in.respBody.Trailers())
	if err != nil {
		return err
	}
	if len(buf) > 0 {
		if _, err := s.transport.Write(buf); err != nil {
			return s.writeFailed(err)
		}
	}
	return nil
}

// handOver completes a protocol switch once the read loop has stopped,
// giving the transport and any bytes read past the request to the
// handler.
func (s *h1Server) handOver(in *Incoming) error {
	s.mu.Lock()
	for !s.readerStopped && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		s.mu.Unlock()
		return errConnClosed
	}
	s.upgraded = true
	s.pending = s.pending[1:]
	s.mu.Unlock()
	upgraded := newUpgraded(s.transport, s.rbuf)
	s.rbuf = nil
	s.logger.Debug("connection upgraded", zap.Int("status", in.response.Status))
	in.upgradeDone(upgraded, nil)
	in.markDone()
	return nil
}

func (s *h1Server) writeFailed(err error) error {
	return &httperr.Error{Kind: httperr.KindConnectionClosed, Msg: "write failed", Err: err}
}

func (s *h1Server) markNoReuse() {
	s.mu.Lock()
	s.noReuse = true
	s.mu.Unlock()
}

func (s *h1Server) setWaiting(waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readerWaiting = waiting
	if waiting && s.draining && len(s.pending) == 0 {
		// drain started between requests
		s.stopped = true
		go s.interrupt()
	}
}

func (s *h1Server) fill() error {
	n, err := s.transport.Read(s.scratch)
	s.rbuf = append(s.rbuf, s.scratch[:n]...)
	if n > 0 {
		return nil
	}
	return err
}

func (s *h1Server) consume(n int) {
	if n > 0 {
		s.rbuf = s.rbuf[:copy(s.rbuf, s.rbuf[n:])]
	}
}

func (s *h1Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
