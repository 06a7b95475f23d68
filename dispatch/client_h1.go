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
	"slices"
	"strings"
	"sync"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/internal/h1"
	"github.com/bufbuild/httpengine/message"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/errgroup"
)

var (
	errConnClosed  = httperr.New(httperr.KindConnectionClosed, "connection closed")
	errConnClosing = httperr.New(httperr.KindConnectionClosed, "connection is closing")
	errAborted     = httperr.New(httperr.KindCancelled, "connection failed on behalf of another exchange")
	errAbandoned   = httperr.New(httperr.KindCancelled, "exchange cancelled")
	// errFinished stops the loops of a connection that will not be reused.
	errFinished = errors.New("connection finished")
)

// h1Client pumps exchanges over an HTTP/1.1 connection. The write loop
// takes exchanges from queue in order and moves them to inflight before
// writing; the read loop decodes responses for inflight in the same order.
type h1Client struct {
	opts      *options
	logger    *zap.Logger
	transport io.ReadWriteCloser
	ctx       context.Context //nolint:containedctx
	cancel    context.CancelFunc
	done      chan struct{}

	// owned by the read loop
	decoder *h1.Decoder
	rbuf    []byte
	scratch []byte

	mu   sync.Mutex
	cond *sync.Cond
	// +checklocks:mu
	queue []*Exchange
	// +checklocks:mu
	inflight []*Exchange
	// +checklocks:mu
	writing bool
	// +checklocks:mu
	readingBody bool
	// +checklocks:mu
	closing bool
	// +checklocks:mu
	noReuse bool
	// +checklocks:mu
	upgraded bool
	// +checklocks:mu
	err error
}

func newH1Client(ctx context.Context, transport io.ReadWriteCloser, opts *options) *h1Client {
	ctx, cancel := context.WithCancel(ctx)
	h := &h1Client{
		opts:      opts,
		logger:    opts.logger,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		decoder:   h1.NewDecoder(h1.RoleClient, opts.limits),
		scratch:   make([]byte, readChunkSize),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.run()
	return h
}

func (h *h1Client) run() {
	defer close(h.done)
	group, ctx := errgroup.WithContext(h.ctx)
	stop := context.AfterFunc(ctx, h.interrupt)
	defer stop()
	group.Go(func() error {
		return h.readLoop(ctx)
	})
	group.Go(func() error {
		return h.writeLoop(ctx)
	})
	err := group.Wait()
	h.interrupt()
	if err == nil || errors.Is(err, errFinished) {
		err = errConnClosed
	}
	h.shutdown(err, nil)
	h.logger.Debug("connection closed", zap.Error(h.Err()))
}

// interrupt stops both loops. The transport stays open if the connection
// was upgraded, since it then belongs to the caller.
func (h *h1Client) interrupt() {
	h.cancel()
	h.mu.Lock()
	h.closing = true
	upgraded := h.upgraded
	h.cond.Broadcast()
	h.mu.Unlock()
	if !upgraded {
		_ = h.transport.Close()
	}
}

// shutdown fails every unfinished exchange and stops the connection. If
// culprit is non-nil, it alone gets err and the rest fail as cancelled.
func (h *h1Client) shutdown(err error, culprit *Exchange) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.closing = true
	inflight, queued := h.inflight, h.queue
	h.inflight, h.queue = nil, nil
	h.cond.Broadcast()
	h.mu.Unlock()
	h.cancel()

	outcome := func(ex *Exchange) error {
		if culprit == nil || ex == culprit {
			return err
		}
		return errAborted
	}
	for _, ex := range inflight {
		ex.finish(nil, outcome(ex))
	}
	for _, ex := range queued {
		_ = ex.reqBody.Close()
		ex.finish(nil, outcome(ex))
	}
	if culprit != nil && !slices.Contains(inflight, culprit) {
		culprit.finish(nil, err)
	}
}

func (h *h1Client) submit(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*Exchange, error) {
	headBytes, framing, err := h1.EncodeRequestHead(nil, head, reqBody.SizeHint())
	if err != nil {
		_ = reqBody.Close()
		return nil, err
	}
	ex := newExchange(h.ctx, head, reqBody)
	ex.headBytes = headBytes
	ex.framing = framing
	ex.expectContinue = framing.HasBody() && head.ExpectsContinue()
	ex.cancelFunc = func() { h.abandon(ex) }

	h.mu.Lock()
	if h.closing || h.err != nil || h.noReuse {
		err := h.err
		h.mu.Unlock()
		if err == nil {
			err = errConnClosing
		}
		_ = reqBody.Close()
		ex.cancelCtx()
		return nil, err
	}
	h.queue = append(h.queue, ex)
	h.cond.Broadcast()
	h.mu.Unlock()
	ex.watch(ctx)
	return ex, nil
}

// abandon cancels an exchange. One that was not written yet just leaves
// the queue; otherwise the connection can no longer be trusted to be in
// sync and is closed.
func (h *h1Client) abandon(ex *Exchange) {
	h.mu.Lock()
	if idx := slices.Index(h.queue, ex); idx >= 0 {
		h.queue = slices.Delete(h.queue, idx, idx+1)
		h.cond.Broadcast()
		h.mu.Unlock()
		_ = ex.reqBody.Close()
		ex.finish(nil, errAbandoned)
		return
	}
	inflight := slices.Contains(h.inflight, ex)
	h.mu.Unlock()
	if !inflight || ex.isFinished() {
		return
	}
	h.logger.Debug("exchange abandoned mid-flight, closing connection")
	h.shutdown(errAbandoned, ex)
}

func (h *h1Client) writeLoop(ctx context.Context) error {
	for {
		ex := h.nextWrite()
		if ex == nil {
			return nil
		}
		if err := h.writeExchange(ctx, ex); err != nil {
			return err
		}
	}
}

func (h *h1Client) nextWrite() *Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.closing {
		if len(h.queue) > 0 && h.canWriteLocked(h.queue[0]) {
			ex := h.queue[0]
			h.queue[0] = nil
			h.queue = h.queue[1:]
			h.inflight = append(h.inflight, ex)
			h.writing = true
			return ex
		}
		h.cond.Wait()
	}
	return nil
}

// canWriteLocked reports whether next may be written now. Without
// pipelining, a request waits until the previous response was fully read.
// Upgrades are never pipelined.
//
// +checklocks:h.mu
func (h *h1Client) canWriteLocked(next *Exchange) bool {
	if h.noReuse {
		return false
	}
	if len(h.inflight) == 0 {
		return true
	}
	if len(h.inflight) >= h.opts.maxPipelined || next.head.WantsUpgrade() {
		return false
	}
	last := h.inflight[len(h.inflight)-1]
	return !last.head.WantsUpgrade() && !last.expectContinue
}

func (h *h1Client) writeExchange(ctx context.Context, ex *Exchange) error {
	if _, err := h.transport.Write(ex.headBytes); err != nil {
		return h.writeFailed(err)
	}
	if !ex.framing.HasBody() {
		_ = ex.reqBody.Close()
		h.written(ex, true)
		return nil
	}
	if ex.expectContinue && !h.awaitContinue(ctx, ex) {
		// The server answered without asking for the body, so it is not
		// known whether it will read one before the next request.
		_ = ex.reqBody.Close()
		h.written(ex, false)
		return nil
	}
	if err := h.writeBody(ex); err != nil {
		return err
	}
	h.written(ex, true)
	return nil
}

// awaitContinue reports whether to send the body of a request that
// expects "100 Continue".
func (h *h1Client) awaitContinue(ctx context.Context, ex *Exchange) bool {
	timer := h.opts.clock.NewTimer(h.opts.expectContinueTimeout)
	defer timer.Stop()
	select {
	case <-ex.continued:
		return true
	case <-timer.Chan():
		return true
	case <-ex.finalHead:
		select {
		case <-ex.continued:
			return true
		default:
			return false
		}
	case <-ex.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *h1Client) writeBody(ex *Exchange) error {
	defer func() {
		_ = ex.reqBody.Close()
	}()
	encoder := h1.NewBodyEncoder(ex.framing)
	var buf []byte
	for {
		chunk, err := ex.reqBody.Next(ex.ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return h.abortWrite(ex, err)
		}
		if buf, err = encoder.Encode(buf[:0], chunk); err != nil {
			return h.abortWrite(ex, err)
		}
		if _, err := h.transport.Write(buf); err != nil {
			return h.writeFailed(err)
		}
	}
	buf, err := encoder.Finish(buf[:0], ex.reqBody.Trailers())
	if err != nil {
		return h.abortWrite(ex, err)
	}
	if len(buf) > 0 {
		if _, err := h.transport.Write(buf); err != nil {
			return h.writeFailed(err)
		}
	}
	return nil
}

// abortWrite fails a request whose body could not be completed. Part of it
// may already be on the wire, so the connection is done.
func (h *h1Client) abortWrite(ex *Exchange, err error) error {
	if httperr.KindOf(err) == httperr.KindUnknown {
		err = &httperr.Error{Kind: httperr.KindCancelled, Msg: "request body failed", Err: err}
	}
	h.shutdown(err, ex)
	return err
}

func (h *h1Client) writeFailed(err error) error {
	err = &httperr.Error{Kind: httperr.KindConnectionClosed, Msg: "write failed", Err: err}
	h.shutdown(err, nil)
	return err
}

// written records that a request is completely on the wire. If its
// response was already read, the exchange finishes here.
func (h *h1Client) written(ex *Exchange, reusable bool) {
	h.mu.Lock()
	h.writing = false
	ex.written = true
	if !reusable {
		h.noReuse = true
	}
	finish := ex.responseRead
	if finish {
		h.removeLocked(ex)
	}
	closeAfter := finish && h.noReuse
	h.cond.Broadcast()
	h.mu.Unlock()
	if finish {
		ex.finish(nil, nil)
	}
	if closeAfter {
		h.shutdown(errConnClosed, nil)
	}
}

// +checklocks:h.mu
func (h *h1Client) removeLocked(ex *Exchange) {
	if idx := slices.Index(h.inflight, ex); idx >= 0 {
		h.inflight = slices.Delete(h.inflight, idx, idx+1)
	}
}

func (h *h1Client) readLoop(ctx context.Context) error {
	for {
		ex := h.nextResponse()
		if ex == nil {
			if len(h.rbuf) > 0 {
				err := httperr.New(httperr.KindParse, "unsolicited data from server")
				h.shutdown(err, nil)
				return err
			}
			// Reading while idle notices the server closing the
			// connection.
			if err := h.fill(); err != nil {
				return h.readFailed(err, nil)
			}
			continue
		}
		stop, err := h.readResponse(ctx, ex)
		if err != nil || stop {
			return err
		}
	}
}

func (h *h1Client) nextResponse() *Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ex := range h.inflight {
		if !ex.responseRead {
			return ex
		}
	}
	return nil
}

func (h *h1Client) readResponse(ctx context.Context, ex *Exchange) (bool, error) {
	h.decoder.SetRequestMethod(ex.head.Method)
	event, err := h.readHead(ex)
	if err != nil {
		return true, err
	}
	if event.Upgrade && !upgradeAccepted(ex.head, event.Response) {
		err := httperr.Newf(httperr.KindParse, "unexpected %d response to a request that did not offer its protocol", event.Response.Status)
		return true, h.fail(err, ex)
	}
	ex.signalFinalHead()
	resp := &Response{Head: event.Response}
	if event.Upgrade {
		h.upgrade(ex, resp)
		return true, nil
	}
	if !event.Framing.HasBody() {
		// the decoder reports the end of the empty body next
		n, end, err := h.decoder.Decode(h.rbuf)
		h.consume(n)
		if err != nil {
			return true, h.fail(err, ex)
		}
		resp.Body = body.Empty()
		return h.responseRead(ex, resp, nil, event.KeepAlive, end.Trailers)
	}
	sizeHint := int64(-1)
	if event.Framing.Kind == h1.FramingLength {
		sizeHint = event.Framing.Length
	}
	sender, respBody := body.SizedChannel(sizeHint)
	resp.Body = respBody
	ex.deliver(resp, sender)
	h.setReadingBody(true)
	trailers, err := h.readBody(ctx, ex, sender)
	h.setReadingBody(false)
	if err != nil {
		sender.Abort(err)
		return true, err
	}
	return h.responseRead(ex, nil, sender, event.KeepAlive, trailers)
}

// upgradeAccepted reports whether resp may switch protocols for req. A 101
// must name only protocols that req offered in its Upgrade header.
func upgradeAccepted(req *message.RequestHead, resp *message.ResponseHead) bool {
	if resp.Status != 101 {
		// a successful CONNECT
		return true
	}
	if req.Method == message.MethodConnect || !req.WantsUpgrade() {
		return false
	}
	offered := req.Header.Values("Upgrade")
	accepted := false
	for _, value := range resp.Header.Values("Upgrade") {
		for _, protocol := range strings.Split(value, ",") {
			protocol = strings.TrimSpace(protocol)
			if protocol == "" {
				continue
			}
			if !httpguts.HeaderValuesContainsToken(offered, protocol) {
				return false
			}
			accepted = true
		}
	}
	return accepted
}

func (h *h1Client) readHead(ex *Exchange) (h1.Event, error) {
	for {
		n, event, err := h.decoder.Decode(h.rbuf)
		h.consume(n)
		if err != nil {
			return event, h.fail(err, ex)
		}
		switch event.Kind {
		case h1.EventResponseHead:
			if event.Response.IsInformational() && !event.Upgrade {
				if event.Response.Status == 100 {
					ex.signalContinue()
				}
				continue
			}
			return event, nil
		case h1.EventNeedMore:
			if err := h.fill(); err != nil {
				return event, h.readFailed(err, ex)
			}
		default:
			return event, h.fail(httperr.Newf(httperr.KindParse, "unexpected %v before response head", event.Kind), ex)
		}
	}
}

// readBody streams a response body into sender. More input is read from
// the transport only after the consumer asked for another chunk.
func (h *h1Client) readBody(ctx context.Context, ex *Exchange, sender *body.Sender) (message.Header, error) {
	for {
		n, event, err := h.decoder.Decode(h.rbuf)
		if err != nil {
			h.consume(n)
			return message.Header{}, h.fail(err, ex)
		}
		switch event.Kind {
		case h1.EventData:
			chunk := bytes.Clone(event.Data)
			h.consume(n)
			if err := sender.Send(ctx, chunk); err != nil {
				return message.Header{}, h.bodyDropped(ex, err)
			}
		case h1.EventEnd:
			h.consume(n)
			return event.Trailers, nil
		case h1.EventNeedMore:
			h.consume(n)
			if err := sender.Ready(ctx); err != nil {
				return message.Header{}, h.bodyDropped(ex, err)
			}
			if err := h.fill(); err != nil {
				if !errors.Is(err, io.EOF) {
					return message.Header{}, h.readFailed(err, ex)
				}
				end, err := h.decoder.DecodeEOF(len(h.rbuf))
				if err != nil {
					return message.Header{}, h.fail(err, ex)
				}
				return end.Trailers, nil
			}
		default:
			return message.Header{}, h.fail(httperr.Newf(httperr.KindParse, "unexpected %v in response body", event.Kind), ex)
		}
	}
}

// responseRead finishes an exchange whose response was read completely.
// If its request is still being written, the write loop finishes it.
func (h *h1Client) responseRead(ex *Exchange, resp *Response, sender *body.Sender, keepAlive bool, trailers message.Header) (bool, error) {
	h.mu.Lock()
	ex.responseRead = true
	deferred := !ex.written && keepAlive
	if !deferred {
		h.removeLocked(ex)
	}
	if !keepAlive {
		h.noReuse = true
	}
	closeAfter := h.noReuse && !deferred
	if closeAfter {
		h.closing = true
	}
	h.cond.Broadcast()
	h.mu.Unlock()

	if deferred {
		if resp != nil {
			ex.deliver(resp, nil)
		}
	} else {
		ex.finish(resp, nil)
	}
	if sender != nil {
		_ = sender.End(trailers)
	}
	if closeAfter {
		return true, errFinished
	}
	return false, nil
}

// upgrade hands the transport, and whatever was read past the response
// head, to the exchange.
func (h *h1Client) upgrade(ex *Exchange, resp *Response) {
	h.mu.Lock()
	h.upgraded = true
	h.closing = true
	h.removeLocked(ex)
	h.cond.Broadcast()
	h.mu.Unlock()
	resp.Body = body.Empty()
	resp.Upgraded = newUpgraded(h.transport, h.rbuf)
	h.rbuf = nil
	h.logger.Debug("connection upgraded", zap.Int("status", resp.Head.Status))
	ex.finish(resp, nil)
}

func (h *h1Client) bodyDropped(ex *Exchange, err error) error {
	err = httperr.Wrap(httperr.KindCancelled, err)
	h.shutdown(err, ex)
	return err
}

func (h *h1Client) readFailed(err error, ex *Exchange) error {
	if errors.Is(err, io.EOF) {
		if _, eofErr := h.decoder.DecodeEOF(len(h.rbuf)); eofErr != nil {
			err = eofErr
		} else {
			err = errConnClosed
		}
	} else {
		err = &httperr.Error{Kind: httperr.KindConnectionClosed, Msg: "read failed", Err: err}
	}
	return h.fail(err, ex)
}

// fail shuts the connection down. A codec error is blamed on the exchange
// being decoded; a lost connection fails every exchange alike.
func (h *h1Client) fail(err error, ex *Exchange) error {
	culprit := ex
	if httperr.KindOf(err) == httperr.KindConnectionClosed {
		culprit = nil
	}
	h.shutdown(err, culprit)
	return err
}

func (h *h1Client) fill() error {
	n, err := h.transport.Read(h.scratch)
	h.rbuf = append(h.rbuf, h.scratch[:n]...)
	if n > 0 {
		return nil
	}
	return err
}

func (h *h1Client) consume(n int) {
	if n > 0 {
		h.rbuf = h.rbuf[:copy(h.rbuf, h.rbuf[n:])]
	}
}

func (h *h1Client) setReadingBody(reading bool) {
	h.mu.Lock()
	h.readingBody = reading
	h.mu.Unlock()
}

func (h *h1Client) state() State {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.upgraded {
			return StateUpgraded
		}
		return StateClosed
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.upgraded:
		return StateUpgraded
	case h.closing || h.err != nil:
		return StateClosing
	case h.readingBody:
		return StateExchangingBody
	case h.writing || len(h.queue) > 0:
		return StateWriting
	case len(h.inflight) > 0:
		return StateReadingHead
	default:
		return StateIdle
	}
}

func (h *h1Client) reusable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closing && h.err == nil && !h.noReuse && !h.upgraded
}

func (h *h1Client) available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closing && h.err == nil && !h.noReuse && !h.upgraded &&
		len(h.queue) == 0 && len(h.inflight) == 0
}

func (h *h1Client) close() {
	h.shutdown(errConnClosed, nil)
	<-h.done
}

// Err returns the error that ended the connection, if it has ended.
func (h *h1Client) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
