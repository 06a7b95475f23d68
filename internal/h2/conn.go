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

// Package h2 adapts HTTP/2 connections to the same exchange model as the
// HTTP/1.1 codec: a request head and streaming body in, a response head
// and streaming body out. Framing and header compression come from
// golang.org/x/net/http2; this package adds stream bookkeeping, flow
// control tied to body demand, and connection lifecycle.
//
// Each Conn runs two goroutines. The read loop never blocks on anything
// but the transport: frames that must be written in response (settings
// acks, pings, window updates) are queued for the write loop. Stream
// bodies are written by per-stream goroutines, which take turns on the
// framer.
package h2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"
)

// Role selects which end of the connection a Conn is.
type Role int

const (
	RoleClient = Role(iota)
	RoleServer
)

const (
	// DefaultMaxConcurrentStreams is advertised by servers, and assumed
	// for a peer until its SETTINGS arrive.
	DefaultMaxConcurrentStreams = 100
	// DefaultInitialWindowSize is the default receive window, for each
	// stream and for the connection as a whole.
	DefaultInitialWindowSize = 1 << 20
	DefaultMaxHeaderListSize = 64 << 10

	// protocol defaults from RFC 9113
	initialWindowSize = 65535
	minMaxFrameSize   = 16 << 10
	maxWindowSize     = 1<<31 - 1
	headerTableSize   = 4096
)

// Config configures a Conn. Zero values mean defaults.
type Config struct {
	Role Role
	// MaxConcurrentStreams is the limit on peer-initiated streams that a
	// server advertises.
	MaxConcurrentStreams uint32
	// InitialStreamWindowSize is the receive window of each stream. Data
	// is only acknowledged to the peer once the body consumer takes it.
	InitialStreamWindowSize uint32
	// InitialConnWindowSize is the connection-level receive window.
	InitialConnWindowSize uint32
	MaxHeaderListSize     uint32
	// Scheme is sent as :scheme for requests whose head has none. The
	// default is "https".
	Scheme string
	Logger *zap.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if cfg.InitialStreamWindowSize == 0 {
		cfg.InitialStreamWindowSize = DefaultInitialWindowSize
	}
	if cfg.InitialStreamWindowSize > maxWindowSize {
		cfg.InitialStreamWindowSize = maxWindowSize
	}
	if cfg.InitialConnWindowSize < initialWindowSize {
		cfg.InitialConnWindowSize = DefaultInitialWindowSize
	}
	if cfg.InitialConnWindowSize > maxWindowSize {
		cfg.InitialConnWindowSize = maxWindowSize
	}
	if cfg.MaxHeaderListSize == 0 {
		cfg.MaxHeaderListSize = DefaultMaxHeaderListSize
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

var (
	errClosedLocally = httperr.New(httperr.KindConnectionClosed, "connection closed")
	errDrained       = httperr.New(httperr.KindConnectionClosed, "connection shut down gracefully")
)

// Conn is one HTTP/2 connection.
type Conn struct {
	cfg       Config
	logger    *zap.Logger
	transport io.ReadWriteCloser
	reader    *bufio.Reader
	framer    *http2.Framer
	// closed once the connection preface and initial settings are
	// written; nothing else may be written before then
	prefaceDone chan struct{}
	// closed once both loops have stopped
	done   chan struct{}
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	wmu sync.Mutex
	// +checklocks:wmu
	hbuf bytes.Buffer
	// +checklocks:wmu
	henc *hpack.Encoder
	// +checklocks:wmu
	nextStreamID uint32

	cmu sync.Mutex
	// +checklocks:cmu
	control []func(*http2.Framer) error
	// has room for one notification; signaled when control is appended to
	controlReady chan struct{}

	mu   sync.Mutex
	cond *sync.Cond
	// +checklocks:mu
	streams map[uint32]*Stream
	// +checklocks:mu
	reserved int
	// +checklocks:mu
	peerSettingsReceived bool
	// +checklocks:mu
	settingsAcked bool
	// +checklocks:mu
	peerMaxStreams uint32
	// +checklocks:mu
	peerInitialWindow int64
	// +checklocks:mu
	peerMaxFrameSize uint32
	// +checklocks:mu
	connSendWindow int64
	// +checklocks:mu
	connRecvWindow int64
	// +checklocks:mu
	lastPeerStreamID uint32
	// +checklocks:mu
	accepted []*Stream
	// +checklocks:mu
	goAwaySent bool
	// +checklocks:mu
	goAwayReceived bool
	// +checklocks:mu
	pings map[[8]byte]chan struct{}
	// +checklocks:mu
	pingSeq uint64
	// +checklocks:mu
	err error
}

// NewConn starts an HTTP/2 connection over transport. It does not block:
// the connection preface is written, and the peer's is read, by the
// connection's goroutines. For RoleServer, transport must yield the
// client's preface first.
func NewConn(transport io.ReadWriteCloser, cfg Config) *Conn {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		cfg:               cfg,
		logger:            cfg.Logger.With(zap.String("protocol", "h2")),
		transport:         transport,
		prefaceDone:       make(chan struct{}),
		done:              make(chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
		controlReady:      make(chan struct{}, 1),
		streams:           map[uint32]*Stream{},
		peerMaxStreams:    DefaultMaxConcurrentStreams,
		peerInitialWindow: initialWindowSize,
		peerMaxFrameSize:  minMaxFrameSize,
		connSendWindow:    initialWindowSize,
		connRecvWindow:    int64(cfg.InitialConnWindowSize),
		pings:             map[[8]byte]chan struct{}{},
	}
	conn.cond = sync.NewCond(&conn.mu)
	conn.reader = bufio.NewReader(transport)
	conn.framer = http2.NewFramer(transport, conn.reader)
	conn.framer.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	conn.framer.MaxHeaderListSize = cfg.MaxHeaderListSize
	conn.framer.SetMaxReadFrameSize(minMaxFrameSize)
	conn.henc = hpack.NewEncoder(&conn.hbuf)
	if cfg.Role == RoleClient {
		conn.nextStreamID = 1
	} else {
		conn.nextStreamID = 2
	}
	go conn.run()
	return conn
}

func (c *Conn) run() {
	group, ctx := errgroup.WithContext(c.ctx)
	stop := context.AfterFunc(ctx, func() {
		_ = c.transport.Close()
	})
	defer stop()
	group.Go(func() error {
		return c.writeLoop(ctx)
	})
	group.Go(c.readLoop)
	err := group.Wait()
	_ = c.transport.Close()

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	if c.err == nil {
		c.err = errClosedLocally
	}
	err = c.err
	for _, stream := range c.streams {
		c.failStreamLocked(stream, err)
	}
	c.accepted = nil
	for id, ping := range c.pings {
		close(ping)
		delete(c.pings, id)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if errors.Is(err, errDrained) || errors.Is(err, errClosedLocally) {
		c.logger.Debug("connection closed")
	} else {
		c.logger.Debug("connection failed", zap.Error(err))
	}
	close(c.done)
}

// setErr records the connection's terminal error, unless one is already
// recorded, and stops its loops.
func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) writeLoop(ctx context.Context) error {
	if err := c.writePreface(); err != nil {
		return err
	}
	close(c.prefaceDone)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.controlReady:
		}
		c.cmu.Lock()
		ops := c.control
		c.control = nil
		c.cmu.Unlock()
		for _, op := range ops {
			c.wmu.Lock()
			err := op(c.framer)
			c.wmu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Conn) writePreface() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: c.cfg.InitialStreamWindowSize},
		{ID: http2.SettingMaxHeaderListSize, Val: c.cfg.MaxHeaderListSize},
	}
	if c.cfg.Role == RoleClient {
		if _, err := io.WriteString(c.transport, http2.ClientPreface); err != nil {
			return httperr.Wrap(httperr.KindConnectionClosed, err)
		}
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	} else {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.cfg.MaxConcurrentStreams})
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return httperr.Wrap(httperr.KindConnectionClosed, err)
	}
	if increment := c.cfg.InitialConnWindowSize - initialWindowSize; increment > 0 {
		if err := c.framer.WriteWindowUpdate(0, increment); err != nil {
			return httperr.Wrap(httperr.KindConnectionClosed, err)
		}
	}
	return nil
}

// queueControl schedules op to run on the write loop. It never blocks.
func (c *Conn) queueControl(op func(*http2.Framer) error) {
	c.cmu.Lock()
	c.control = append(c.control, op)
	c.cmu.Unlock()
	select {
	case c.controlReady <- struct{}{}:
	default:
	}
}

func (c *Conn) queueReset(id uint32, code http2.ErrCode) {
	c.queueControl(func(framer *http2.Framer) error {
		return framer.WriteRSTStream(id, code)
	})
}

func (c *Conn) queueWindowUpdate(id uint32, increment uint32) {
	if increment == 0 {
		return
	}
	c.queueControl(func(framer *http2.Framer) error {
		return framer.WriteWindowUpdate(id, increment)
	})
}

// lockWriter waits for the preface to be written and then takes the
// write lock. The caller must unlock wmu if it returns nil.
func (c *Conn) lockWriter() error {
	select {
	case <-c.prefaceDone:
	case <-c.done:
		return c.Err()
	case <-c.ctx.Done():
		return c.Err()
	}
	c.wmu.Lock()
	return nil
}

// writeFailed records a failed write. Writes are never retried.
func (c *Conn) writeFailed(err error) error {
	err = httperr.Wrap(httperr.KindConnectionClosed, err)
	c.setErr(err)
	return c.Err()
}

func (c *Conn) readLoop() error {
	if c.cfg.Role == RoleServer {
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(c.reader, preface); err != nil {
			return c.readError(err)
		}
		if string(preface) != http2.ClientPreface {
			return c.protocolError(http2.ErrCodeProtocol, "invalid client preface")
		}
	}
	first := true
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.resetStream(streamErr.StreamID, streamErr.Code, &httperr.Error{
					Kind: httperr.KindStream,
					Msg:  "malformed frame",
					Err:  streamErr,
				})
				continue
			}
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				return c.protocolError(http2.ErrCode(connErr), err.Error())
			}
			return c.readError(err)
		}
		if first {
			if _, ok := frame.(*http2.SettingsFrame); !ok {
				return c.protocolError(http2.ErrCodeProtocol, "first frame is not SETTINGS")
			}
			first = false
		}
		if err := c.processFrame(frame); err != nil {
			return err
		}
	}
}

func (c *Conn) readError(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if errors.Is(err, io.EOF) {
		return httperr.New(httperr.KindConnectionClosed, "peer closed the connection")
	}
	return httperr.Wrap(httperr.KindConnectionClosed, err)
}

// protocolError sends GOAWAY, best effort, and returns the error that
// ends the connection.
func (c *Conn) protocolError(code http2.ErrCode, msg string) error {
	c.logger.Warn("protocol error", zap.Stringer("code", code), zap.String("detail", msg))
	c.mu.Lock()
	last := c.lastPeerStreamID
	c.mu.Unlock()
	c.queueControl(func(framer *http2.Framer) error {
		_ = framer.WriteGoAway(last, code, []byte(msg))
		return nil
	})
	return &httperr.Error{Kind: httperr.KindConnection, Msg: msg, Err: http2.ConnectionError(code)}
}

func (c *Conn) processFrame(frame http2.Frame) error {
	switch frame := frame.(type) {
	case *http2.SettingsFrame:
		return c.processSettings(frame)
	case *http2.PingFrame:
		c.processPing(frame)
		return nil
	case *http2.WindowUpdateFrame:
		return c.processWindowUpdate(frame)
	case *http2.MetaHeadersFrame:
		return c.processHeaders(frame)
	case *http2.DataFrame:
		return c.processData(frame)
	case *http2.RSTStreamFrame:
		c.processReset(frame)
		return nil
	case *http2.GoAwayFrame:
		return c.processGoAway(frame)
	case *http2.PushPromiseFrame:
		return c.protocolError(http2.ErrCodeProtocol, "push is disabled")
	default:
		// PRIORITY and unknown frame types are ignored
		return nil
	}
}

func (c *Conn) processSettings(frame *http2.SettingsFrame) error {
	if frame.IsAck() {
		c.mu.Lock()
		c.settingsAcked = true
		c.mu.Unlock()
		return nil
	}
	var tableSize uint32
	var tableSizeSet bool
	c.mu.Lock()
	err := frame.ForeachSetting(func(setting http2.Setting) error {
		if err := setting.Valid(); err != nil {
			return err
		}
		switch setting.ID {
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxStreams = setting.Val
		case http2.SettingInitialWindowSize:
			delta := int64(setting.Val) - c.peerInitialWindow
			c.peerInitialWindow = int64(setting.Val)
			for _, stream := range c.streams {
				stream.sendWindow += delta
				if stream.sendWindow > maxWindowSize {
					return http2.ConnectionError(http2.ErrCodeFlowControl)
				}
			}
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize = setting.Val
		case http2.SettingHeaderTableSize:
			tableSize, tableSizeSet = setting.Val, true
		}
		return nil
	})
	c.peerSettingsReceived = true
	c.cond.Broadcast()
	c.mu.Unlock()
	if err != nil {
		var connErr http2.ConnectionError
		if errors.As(err, &connErr) {
			return c.protocolError(http2.ErrCode(connErr), "invalid settings")
		}
		return c.protocolError(http2.ErrCodeProtocol, err.Error())
	}
	c.queueControl(func(framer *http2.Framer) error {
		if tableSizeSet {
			c.henc.SetMaxDynamicTableSize(tableSize)
		}
		return framer.WriteSettingsAck()
	})
	return nil
}

func (c *Conn) processPing(frame *http2.PingFrame) {
	if frame.IsAck() {
		c.mu.Lock()
		if ping, ok := c.pings[frame.Data]; ok {
			close(ping)
			delete(c.pings, frame.Data)
		}
		c.mu.Unlock()
		return
	}
	data := frame.Data
	c.queueControl(func(framer *http2.Framer) error {
		return framer.WritePing(true, data)
	})
}

func (c *Conn) processWindowUpdate(frame *http2.WindowUpdateFrame) error {
	increment := int64(frame.Increment)
	c.mu.Lock()
	if frame.StreamID == 0 {
		overflow := c.connSendWindow+increment > maxWindowSize
		if !overflow {
			c.connSendWindow += increment
			c.cond.Broadcast()
		}
		c.mu.Unlock()
		if overflow {
			return c.protocolError(http2.ErrCodeFlowControl, "connection window overflow")
		}
		return nil
	}
	defer c.mu.Unlock()
	stream := c.streams[frame.StreamID]
	if stream == nil {
		return nil
	}
	if stream.sendWindow+increment > maxWindowSize {
		c.failStreamLocked(stream, httperr.Newf(httperr.KindStream, "stream %d window overflow", stream.id))
		c.queueReset(stream.id, http2.ErrCodeFlowControl)
		return nil
	}
	stream.sendWindow += increment
	c.cond.Broadcast()
	return nil
}

func (c *Conn) processHeaders(frame *http2.MetaHeadersFrame) error {
	id := frame.StreamID
	c.mu.Lock()
	stream := c.streams[id]
	c.mu.Unlock()
	if stream != nil {
		return stream.receiveHeaders(frame)
	}
	if c.cfg.Role == RoleServer && id%2 == 1 {
		return c.acceptStream(frame)
	}
	// headers for a stream we already reset or finished
	return nil
}

func (c *Conn) acceptStream(frame *http2.MetaHeadersFrame) error {
	id := frame.StreamID
	c.mu.Lock()
	if id <= c.lastPeerStreamID {
		c.mu.Unlock()
		return c.protocolError(http2.ErrCodeStreamClosed, fmt.Sprintf("headers for closed stream %d", id))
	}
	c.lastPeerStreamID = id
	refuse := c.goAwaySent || uint32(len(c.streams)) >= c.cfg.MaxConcurrentStreams
	c.mu.Unlock()
	if refuse {
		c.queueReset(id, http2.ErrCodeRefusedStream)
		return nil
	}
	head, err := decodeRequest(frame)
	if err != nil {
		c.logger.Debug("rejecting malformed request", zap.Uint32("stream", id), zap.Error(err))
		c.queueReset(id, http2.ErrCodeProtocol)
		return nil
	}
	stream := c.newStream(id)
	stream.request = head
	stream.method = head.Method
	stream.expectLength = contentLength(&head.Header)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(stream)
	stream.headReceived = true
	if frame.StreamEnded() {
		stream.remoteClosed = true
		stream.inbound = body.Empty()
	} else {
		stream.startInboundLocked()
	}
	stream.signalHeadLocked()
	c.accepted = append(c.accepted, stream)
	c.cond.Broadcast()
	return nil
}

func (c *Conn) processData(frame *http2.DataFrame) error {
	length := int64(frame.Header().Length)
	c.mu.Lock()
	if length > c.connRecvWindow {
		c.mu.Unlock()
		return c.protocolError(http2.ErrCodeFlowControl, "connection window exceeded")
	}
	stream := c.streams[frame.StreamID]
	c.mu.Unlock()
	// the connection window is refunded on receipt; only stream windows
	// are tied to the consumer
	c.queueWindowUpdate(0, uint32(length))
	if stream == nil {
		return nil
	}
	stream.receiveData(frame)
	return nil
}

func (c *Conn) processReset(frame *http2.RSTStreamFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream := c.streams[frame.StreamID]
	if stream == nil {
		return
	}
	if frame.ErrCode == http2.ErrCodeNo && stream.remoteClosed && stream.headReceived {
		// the peer has its complete answer and wants no more of ours
		stream.localClosed = true
		stream.cancelSend()
		c.cond.Broadcast()
		c.maybeRemoveLocked(stream)
		return
	}
	c.logger.Debug("stream reset by peer", zap.Uint32("stream", frame.StreamID), zap.Stringer("code", frame.ErrCode))
	c.failStreamLocked(stream, &httperr.Error{
		Kind: httperr.KindStream,
		Msg:  fmt.Sprintf("stream %d reset by peer", frame.StreamID),
		Err:  http2.StreamError{StreamID: frame.StreamID, Code: frame.ErrCode},
	})
}

func (c *Conn) processGoAway(frame *http2.GoAwayFrame) error {
	c.logger.Debug("received GOAWAY", zap.Uint32("last_stream", frame.LastStreamID), zap.Stringer("code", frame.ErrCode))
	if frame.ErrCode != http2.ErrCodeNo {
		return &httperr.Error{
			Kind: httperr.KindConnection,
			Msg:  fmt.Sprintf("peer sent GOAWAY: %s", frame.DebugData()),
			Err:  http2.ConnectionError(frame.ErrCode),
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goAwayReceived = true
	for id, stream := range c.streams {
		if id > frame.LastStreamID && c.locallyInitiated(id) {
			c.failStreamLocked(stream, httperr.Newf(httperr.KindConnection, "stream %d not processed before GOAWAY", id))
		}
	}
	c.cond.Broadcast()
	return nil
}

func (c *Conn) locallyInitiated(id uint32) bool {
	return (id%2 == 1) == (c.cfg.Role == RoleClient)
}

// resetStream fails a stream locally and tells the peer.
func (c *Conn) resetStream(id uint32, code http2.ErrCode, err error) {
	c.mu.Lock()
	if stream := c.streams[id]; stream != nil {
		c.failStreamLocked(stream, err)
	}
	c.mu.Unlock()
	c.queueReset(id, code)
}

// failStreamLocked ends both halves of a stream with err.
//
// +checklocks:c.mu
func (c *Conn) failStreamLocked(stream *Stream, err error) {
	if stream.err == nil {
		stream.err = err
	}
	if !stream.inEnded {
		stream.inEnded = true
		stream.inErr = err
	}
	stream.localClosed = true
	stream.remoteClosed = true
	stream.signalHeadLocked()
	stream.notifyInbound()
	stream.cancel()
	c.maybeRemoveLocked(stream)
}

// maybeRemoveLocked forgets a stream once both of its halves are closed.
//
// +checklocks:c.mu
func (c *Conn) maybeRemoveLocked(stream *Stream) {
	if !stream.localClosed || !stream.remoteClosed {
		return
	}
	if _, ok := c.streams[stream.id]; !ok {
		return
	}
	delete(c.streams, stream.id)
	close(stream.done)
	c.cond.Broadcast()
	if c.goAwaySent && len(c.streams) == 0 {
		c.queueControl(func(*http2.Framer) error {
			return errDrained
		})
	}
}

// Submit opens a stream carrying a request. If the peer's concurrent
// stream limit is reached, it waits for a stream to close. The request
// body, if any, is written in the background. Submit fails with a
// KindConnection error once the peer has sent GOAWAY.
func (c *Conn) Submit(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*Stream, error) {
	if c.cfg.Role != RoleClient {
		return nil, errors.New("h2: only clients submit requests")
	}
	if err := c.reserve(ctx); err != nil {
		return nil, err
	}
	fields, err := requestFields(head, c.cfg.Scheme, reqBody.SizeHint())
	if err != nil {
		c.unreserve()
		return nil, err
	}
	if err := c.lockWriter(); err != nil {
		c.unreserve()
		return nil, err
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	stream := c.newStream(id)
	stream.method = head.Method
	endStream := reqBody.SizeHint() == 0
	c.mu.Lock()
	c.reserved--
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.wmu.Unlock()
		return nil, err
	}
	c.registerLocked(stream)
	stream.localClosed = endStream
	c.mu.Unlock()
	err = c.writeHeadersLocked(id, fields, endStream)
	c.wmu.Unlock()
	if err != nil {
		return nil, c.writeFailed(err)
	}
	if !endStream {
		go stream.sendBody(reqBody)
	}
	return stream, nil
}

// registerLocked adds a stream, with windows from the current settings.
//
// +checklocks:c.mu
func (c *Conn) registerLocked(stream *Stream) {
	stream.sendWindow = c.peerInitialWindow
	stream.recvWindow = int64(c.cfg.InitialStreamWindowSize)
	c.streams[stream.id] = stream
}

func (c *Conn) reserve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case c.err != nil:
			return c.err
		case c.goAwayReceived || c.goAwaySent:
			return httperr.New(httperr.KindConnection, "connection is going away")
		case ctx.Err() != nil:
			return httperr.Wrap(httperr.KindCancelled, ctx.Err())
		case uint32(len(c.streams)+c.reserved) < c.peerMaxStreams:
			c.reserved++
			return nil
		}
		c.cond.Wait()
	}
}

func (c *Conn) unreserve() {
	c.mu.Lock()
	c.reserved--
	c.cond.Broadcast()
	c.mu.Unlock()
}

// writeHeadersLocked encodes fields and writes them as a HEADERS frame
// plus any CONTINUATION frames. Encoding and writing happen under the
// same lock, so the peer's decoder sees blocks in encoding order.
//
// +checklocks:c.wmu
func (c *Conn) writeHeadersLocked(id uint32, fields []hpack.HeaderField, endStream bool) error {
	c.hbuf.Reset()
	for _, field := range fields {
		if err := c.henc.WriteField(field); err != nil {
			return err
		}
	}
	block := c.hbuf.Bytes()
	c.mu.Lock()
	maxFrame := int(c.peerMaxFrameSize)
	c.mu.Unlock()
	first := true
	for first || len(block) > 0 {
		fragment := block
		if len(fragment) > maxFrame {
			fragment = fragment[:maxFrame]
		}
		block = block[len(fragment):]
		var err error
		if first {
			err = c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: fragment,
				EndStream:     endStream,
				EndHeaders:    len(block) == 0,
			})
			first = false
		} else {
			err = c.framer.WriteContinuation(id, len(block) == 0, fragment)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeHeaders(id uint32, fields []hpack.HeaderField, endStream bool) error {
	if err := c.lockWriter(); err != nil {
		return err
	}
	err := c.writeHeadersLocked(id, fields, endStream)
	c.wmu.Unlock()
	if err != nil {
		return c.writeFailed(err)
	}
	return nil
}

func (c *Conn) writeData(id uint32, endStream bool, data []byte) error {
	if err := c.lockWriter(); err != nil {
		return err
	}
	err := c.framer.WriteData(id, endStream, data)
	c.wmu.Unlock()
	if err != nil {
		return c.writeFailed(err)
	}
	return nil
}

// Accept waits for the next request on a server connection. It returns
// io.EOF once the connection is shut down and every accepted stream was
// handed out, and the connection's error if it failed.
func (c *Conn) Accept(ctx context.Context) (*Stream, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case len(c.accepted) > 0:
			stream := c.accepted[0]
			c.accepted = c.accepted[1:]
			return stream, nil
		case c.err != nil:
			if errors.Is(c.err, errDrained) || errors.Is(c.err, errClosedLocally) {
				return nil, io.EOF
			}
			return nil, c.err
		case c.goAwaySent:
			return nil, io.EOF
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		c.cond.Wait()
	}
}

// Shutdown sends GOAWAY and stops accepting streams. Streams already
// accepted run to completion, after which the connection closes.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	if c.goAwaySent || c.err != nil {
		c.mu.Unlock()
		return
	}
	c.goAwaySent = true
	last := c.lastPeerStreamID
	idle := len(c.streams) == 0
	c.cond.Broadcast()
	c.mu.Unlock()
	c.logger.Debug("sending GOAWAY", zap.Uint32("last_stream", last))
	c.queueControl(func(framer *http2.Framer) error {
		return framer.WriteGoAway(last, http2.ErrCodeNo, nil)
	})
	if idle {
		c.queueControl(func(*http2.Framer) error {
			return errDrained
		})
	}
}

// Ping sends a PING frame and waits for the peer to acknowledge it.
func (c *Conn) Ping(ctx context.Context) error {
	var data [8]byte
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pingSeq++
	binary.BigEndian.PutUint64(data[:], c.pingSeq)
	ack := make(chan struct{})
	c.pings[data] = ack
	c.mu.Unlock()
	c.queueControl(func(framer *http2.Framer) error {
		return framer.WritePing(false, data)
	})
	select {
	case <-ack:
		return c.errIfClosed()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pings, data)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Conn) errIfClosed() error {
	select {
	case <-c.done:
		return c.Err()
	default:
		return nil
	}
}

// Close closes the connection immediately. Open streams fail.
func (c *Conn) Close() error {
	c.setErr(errClosedLocally)
	<-c.done
	return nil
}

// Done returns a channel that is closed once the connection has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil if it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Handshaking reports whether the peer's SETTINGS have yet to arrive.
func (c *Conn) Handshaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.peerSettingsReceived && c.err == nil
}

// Reusable reports whether new streams may still be opened, now or once
// others close.
func (c *Conn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil && !c.goAwayReceived && !c.goAwaySent
}

// Available reports whether a stream could be opened without waiting.
func (c *Conn) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil && !c.goAwayReceived && !c.goAwaySent &&
		uint32(len(c.streams)+c.reserved) < c.peerMaxStreams
}

// ActiveStreams returns the number of open streams.
func (c *Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
