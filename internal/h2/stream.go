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
	"errors"
	"fmt"
	"io"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"golang.org/x/net/http2"
)

// Stream is one exchange on a Conn.
type Stream struct {
	conn   *Conn
	id     uint32
	method string
	// ctx is cancelled when the stream fails; sendCtx additionally when
	// the peer no longer wants our half
	ctx        context.Context //nolint:containedctx
	cancel     context.CancelFunc
	sendCtx    context.Context //nolint:containedctx
	cancelSend context.CancelFunc
	// closed when the head arrives or the stream fails
	headReady chan struct{}
	// closed when both halves of the stream are closed
	done chan struct{}
	// has room for one notification; signaled when inbound data or the
	// end of the inbound body arrives
	inboundReady chan struct{}

	// The remaining fields are guarded by conn.mu.
	request      *message.RequestHead
	response     *message.ResponseHead
	inbound      *body.Body
	expectLength int64
	received     int64
	headReceived bool
	headSignaled bool
	localClosed  bool
	remoteClosed bool
	sendWindow   int64
	recvWindow   int64
	chunks       [][]byte
	inEnded      bool
	inErr        error
	trailers     message.Header
	dropped      bool
	err          error
}

func (c *Conn) newStream(id uint32) *Stream {
	ctx, cancel := context.WithCancel(c.ctx)
	sendCtx, cancelSend := context.WithCancel(ctx)
	return &Stream{
		conn:         c,
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		sendCtx:      sendCtx,
		cancelSend:   cancelSend,
		headReady:    make(chan struct{}),
		done:         make(chan struct{}),
		inboundReady: make(chan struct{}, 1),
		expectLength: -1,
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// Done returns a channel that is closed once both halves of the stream
// have closed, normally or not.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the stream failed with, if any.
func (s *Stream) Err() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.err
}

func (s *Stream) signalHeadLocked() {
	if !s.headSignaled {
		s.headSignaled = true
		close(s.headReady)
	}
}

func (s *Stream) notifyInbound() {
	select {
	case s.inboundReady <- struct{}{}:
	default:
	}
}

func (s *Stream) startInboundLocked() {
	sender, inbound := body.SizedChannel(s.expectLength)
	s.inbound = inbound
	go s.pump(sender)
}

func (s *Stream) failLocked(code http2.ErrCode, format string, args ...any) {
	s.conn.failStreamLocked(s, &httperr.Error{
		Kind: httperr.KindStream,
		Msg:  fmt.Sprintf(format, args...),
		Err:  http2.StreamError{StreamID: s.id, Code: code},
	})
	s.conn.queueReset(s.id, code)
}

func (s *Stream) receiveHeaders(frame *http2.MetaHeadersFrame) error {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.remoteClosed {
		s.failLocked(http2.ErrCodeStreamClosed, "headers after end of stream %d", s.id)
		return nil
	}
	if !s.headReceived {
		head, err := decodeResponse(frame)
		if err != nil {
			s.failLocked(http2.ErrCodeProtocol, "malformed response: %v", err)
			return nil
		}
		if head.IsInformational() {
			if frame.StreamEnded() {
				s.failLocked(http2.ErrCodeProtocol, "interim response ended stream %d", s.id)
			}
			return nil
		}
		s.response = head
		s.headReceived = true
		if s.method != message.MethodHead && head.Status != 304 {
			s.expectLength = contentLength(&head.Header)
		}
		if frame.StreamEnded() {
			s.inbound = body.Empty()
			s.inEnded = true
			s.remoteClosed = true
			c.maybeRemoveLocked(s)
		} else {
			s.startInboundLocked()
		}
		s.signalHeadLocked()
		return nil
	}
	if !frame.StreamEnded() || len(frame.PseudoFields()) > 0 {
		s.failLocked(http2.ErrCodeProtocol, "malformed trailers on stream %d", s.id)
		return nil
	}
	s.trailers = headerFrom(frame.RegularFields())
	s.endInboundLocked()
	return nil
}

func (s *Stream) receiveData(frame *http2.DataFrame) {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.remoteClosed {
		s.failLocked(http2.ErrCodeStreamClosed, "data after end of stream %d", s.id)
		return
	}
	if !s.headReceived {
		s.failLocked(http2.ErrCodeProtocol, "data before headers on stream %d", s.id)
		return
	}
	data := frame.Data()
	length := int64(frame.Header().Length)
	if length > s.recvWindow && c.settingsAcked {
		s.failLocked(http2.ErrCodeFlowControl, "stream %d window exceeded", s.id)
		return
	}
	s.recvWindow -= length
	s.received += int64(len(data))
	if s.expectLength >= 0 && s.received > s.expectLength {
		s.failLocked(http2.ErrCodeProtocol, "stream %d body exceeds content-length", s.id)
		return
	}
	// padding is refunded right away, data once it is consumed
	refund := length - int64(len(data))
	if len(data) > 0 {
		if s.dropped {
			refund += int64(len(data))
		} else {
			s.chunks = append(s.chunks, bytes.Clone(data))
			s.notifyInbound()
		}
	}
	if frame.StreamEnded() {
		s.endInboundLocked()
		return
	}
	if refund > 0 {
		s.recvWindow += refund
		c.queueWindowUpdate(s.id, uint32(refund))
	}
}

func (s *Stream) endInboundLocked() {
	if s.expectLength >= 0 && s.received != s.expectLength {
		s.failLocked(http2.ErrCodeProtocol, "stream %d body has %d bytes, content-length is %d", s.id, s.received, s.expectLength)
		return
	}
	s.remoteClosed = true
	s.inEnded = true
	s.notifyInbound()
	s.conn.maybeRemoveLocked(s)
}

// pump moves received data into the inbound body, one chunk per unit of
// demand, and returns each chunk's bytes to the stream window once the
// consumer has taken it.
func (s *Stream) pump(sender *body.Sender) {
	c := s.conn
	for {
		c.mu.Lock()
		var chunk []byte
		if len(s.chunks) > 0 {
			chunk = s.chunks[0]
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
		}
		ended, inErr, trailers := s.inEnded, s.inErr, s.trailers
		c.mu.Unlock()

		if chunk != nil {
			if err := sender.Send(s.ctx, chunk); err != nil {
				s.inboundStopped(sender, err)
				return
			}
			s.refund(len(chunk))
			continue
		}
		if ended {
			if inErr != nil {
				sender.Abort(inErr)
			} else {
				_ = sender.End(trailers)
			}
			return
		}
		select {
		case <-s.inboundReady:
		case <-sender.Closed():
			s.dropInbound()
			return
		}
	}
}

func (s *Stream) refund(n int) {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.remoteClosed {
		return
	}
	s.recvWindow += int64(n)
	c.queueWindowUpdate(s.id, uint32(n))
}

func (s *Stream) inboundStopped(sender *body.Sender, err error) {
	select {
	case <-sender.Closed():
		s.dropInbound()
		return
	default:
	}
	c := s.conn
	c.mu.Lock()
	failure := s.inErr
	if failure == nil {
		failure = s.err
	}
	c.mu.Unlock()
	if failure == nil {
		failure = httperr.Wrap(httperr.KindCancelled, err)
	}
	sender.Abort(failure)
}

// dropInbound handles the consumer closing the inbound body. A client
// cancels the stream. A server keeps reading and discarding the request
// until its response is complete.
func (s *Stream) dropInbound() {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	s.dropped = true
	var refund int64
	for _, chunk := range s.chunks {
		refund += int64(len(chunk))
	}
	s.chunks = nil
	if s.remoteClosed {
		return
	}
	if c.cfg.Role == RoleClient {
		c.failStreamLocked(s, httperr.New(httperr.KindCancelled, "response body closed"))
		c.queueReset(s.id, http2.ErrCodeCancel)
		return
	}
	if s.localClosed {
		s.stopReadingLocked()
		return
	}
	if refund > 0 {
		s.recvWindow += refund
		c.queueWindowUpdate(s.id, uint32(refund))
	}
}

// stopReadingLocked tells the peer that the rest of its half is not
// wanted, once our half is complete.
func (s *Stream) stopReadingLocked() {
	s.remoteClosed = true
	if !s.inEnded {
		s.inEnded = true
		s.inErr = httperr.New(httperr.KindCancelled, "body closed")
	}
	s.conn.queueReset(s.id, http2.ErrCodeNo)
	s.conn.maybeRemoveLocked(s)
}

// Response waits for the response head on a client stream. The returned
// body streams the response data.
func (s *Stream) Response(ctx context.Context) (*message.ResponseHead, *body.Body, error) {
	select {
	case <-s.headReady:
	case <-ctx.Done():
		return nil, nil, httperr.Wrap(httperr.KindCancelled, ctx.Err())
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.response == nil {
		return nil, nil, s.err
	}
	return s.response, s.inbound, nil
}

// Request returns the request head and body of a server stream.
func (s *Stream) Request() (*message.RequestHead, *body.Body) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.request, s.inbound
}

// Respond writes the response head on a server stream and then writes
// respBody in the background. Bodies of responses that cannot have one
// (to HEAD, 204, 304) are closed unread.
func (s *Stream) Respond(head *message.ResponseHead, respBody *body.Body) error {
	if head.IsInformational() {
		return httperr.New(httperr.KindParse, "interim responses are not supported over HTTP/2")
	}
	bodiless := s.method == message.MethodHead || head.Status == 204 || head.Status == 304 ||
		respBody.SizeHint() == 0
	sizeHint := respBody.SizeHint()
	if s.method == message.MethodHead || head.Status == 204 || head.Status == 304 {
		sizeHint = -1
	}
	if bodiless {
		_ = respBody.Close()
	}
	fields, err := responseFields(head, sizeHint)
	if err != nil {
		return err
	}
	c := s.conn
	c.mu.Lock()
	if s.err != nil {
		err := s.err
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	if err := c.writeHeaders(s.id, fields, bodiless); err != nil {
		return err
	}
	if bodiless {
		s.localEnded()
		return nil
	}
	go s.sendBody(respBody)
	return nil
}

// Cancel resets the stream. It is a no-op once the stream is done.
func (s *Stream) Cancel() {
	c := s.conn
	c.mu.Lock()
	open := c.streams[s.id] == s
	c.mu.Unlock()
	if open {
		c.resetStream(s.id, http2.ErrCodeCancel, httperr.New(httperr.KindCancelled, "stream cancelled"))
	}
}

func (s *Stream) sendBody(outbound *body.Body) {
	err := s.writeBody(outbound)
	if err == nil {
		return
	}
	_ = outbound.Close()
	c := s.conn
	c.mu.Lock()
	finished := s.localClosed
	c.mu.Unlock()
	if finished || c.Err() != nil {
		return
	}
	// the body's producer gave up
	c.resetStream(s.id, http2.ErrCodeCancel, httperr.Wrap(httperr.KindCancelled, err))
}

func (s *Stream) writeBody(outbound *body.Body) error {
	c := s.conn
	for {
		chunk, err := outbound.Next(s.sendCtx)
		if errors.Is(err, io.EOF) {
			return s.finishBody(outbound.Trailers())
		}
		if err != nil {
			return err
		}
		for len(chunk) > 0 {
			n, err := s.awaitSendWindow(len(chunk))
			if err != nil {
				return err
			}
			if err := c.writeData(s.id, false, chunk[:n]); err != nil {
				return err
			}
			chunk = chunk[n:]
		}
	}
}

func (s *Stream) finishBody(trailers message.Header) error {
	c := s.conn
	if trailers.Len() > 0 {
		fields, err := appendRegular(nil, &trailers)
		if err != nil {
			return err
		}
		if err := c.writeHeaders(s.id, fields, true); err != nil {
			return err
		}
	} else if err := c.writeData(s.id, true, nil); err != nil {
		return err
	}
	s.localEnded()
	return nil
}

func (s *Stream) localEnded() {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	s.localClosed = true
	if c.cfg.Role == RoleServer && s.dropped && !s.remoteClosed {
		s.stopReadingLocked()
		return
	}
	c.maybeRemoveLocked(s)
}

// awaitSendWindow waits until both the stream and the connection may
// send, and then takes up to want bytes of their windows.
func (s *Stream) awaitSendWindow(want int) (int, error) {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case s.err != nil:
			return 0, s.err
		case c.err != nil:
			return 0, c.err
		case s.localClosed || s.sendCtx.Err() != nil:
			return 0, httperr.New(httperr.KindCancelled, "stream no longer accepts data")
		case c.connSendWindow > 0 && s.sendWindow > 0:
			n := min(int64(want), c.connSendWindow, s.sendWindow, int64(c.peerMaxFrameSize))
			c.connSendWindow -= n
			s.sendWindow -= n
			return int(n), nil
		}
		c.cond.Wait()
	}
}
