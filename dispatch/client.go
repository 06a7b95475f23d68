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
	"crypto/tls"
	"io"

	"github.com/bufbuild/httpengine/body"
	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/internal/h2"
	"github.com/bufbuild/httpengine/message"
	"go.uber.org/zap"
)

// ClientConn sends requests over one connection. It implements conn.Conn.
type ClientConn struct {
	protocol conn.Protocol
	logger   *zap.Logger
	h1       *h1Client
	h2       *h2.Conn
}

var _ conn.Conn = (*ClientConn)(nil)

// NewClientConn starts a client dispatcher on transport, which it then
// owns. The protocol defaults to HTTP/1.1; with ProtocolAuto, the protocol
// negotiated via TLS ALPN is used. Canceling ctx closes the connection.
func NewClientConn(ctx context.Context, transport io.ReadWriteCloser, opts ...Option) *ClientConn {
	options := newOptions(conn.ProtocolHTTP1, opts)
	protocol := options.protocol
	if protocol == conn.ProtocolAuto {
		protocol = conn.NegotiatedProtocol(transport)
		if protocol == conn.ProtocolAuto {
			protocol = conn.ProtocolHTTP1
		}
	}
	cc := &ClientConn{
		protocol: protocol,
		logger:   options.logger,
	}
	if protocol == conn.ProtocolHTTP2 {
		cfg := options.h2
		cfg.Role = h2.RoleClient
		cfg.Logger = options.logger
		if _, isTLS := transport.(*tls.Conn); !isTLS && cfg.Scheme == "" {
			cfg.Scheme = "http"
		}
		cc.h2 = h2.NewConn(transport, cfg)
		stop := context.AfterFunc(ctx, func() { _ = cc.h2.Close() })
		go func() {
			<-cc.h2.Done()
			stop()
		}()
	} else {
		cc.h1 = newH1Client(ctx, transport, options)
	}
	cc.logger.Debug("client connection started", zap.Stringer("protocol", protocol))
	return cc
}

// Submit queues a request. The request body is read as it is written, and
// is closed once the exchange is done with it. Over HTTP/1.1, Submit never
// blocks; over HTTP/2, it waits while the peer's concurrent stream limit
// is reached. Canceling ctx cancels the exchange.
func (cc *ClientConn) Submit(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*Exchange, error) {
	if cc.h1 != nil {
		return cc.h1.submit(ctx, head, reqBody)
	}
	stream, err := cc.h2.Submit(ctx, head, reqBody)
	if err != nil {
		_ = reqBody.Close()
		return nil, err
	}
	ex := newExchange(ctx, head, reqBody)
	ex.stream = stream
	ex.cancelFunc = stream.Cancel
	ex.watch(ctx)
	go func() {
		<-stream.Done()
		ex.finish(nil, stream.Err())
	}()
	return ex, nil
}

// RoundTrip submits a request and waits for its response head.
func (cc *ClientConn) RoundTrip(ctx context.Context, head *message.RequestHead, reqBody *body.Body) (*Response, error) {
	ex, err := cc.Submit(ctx, head, reqBody)
	if err != nil {
		return nil, err
	}
	resp, err := ex.Response(ctx)
	if err != nil {
		ex.Cancel()
		return nil, err
	}
	return resp, nil
}

// State returns the coarse state of the connection.
func (cc *ClientConn) State() State {
	if cc.h1 != nil {
		return cc.h1.state()
	}
	select {
	case <-cc.h2.Done():
		return StateClosed
	default:
	}
	switch {
	case cc.h2.Handshaking():
		return StateHandshaking
	case !cc.h2.Reusable():
		return StateClosing
	case cc.h2.ActiveStreams() > 0:
		return StateExchangingBody
	default:
		return StateIdle
	}
}

func (cc *ClientConn) Protocol() conn.Protocol {
	return cc.protocol
}

func (cc *ClientConn) Reusable() bool {
	if cc.h1 != nil {
		return cc.h1.reusable()
	}
	return cc.h2.Reusable()
}

func (cc *ClientConn) Available() bool {
	if cc.h1 != nil {
		return cc.h1.available()
	}
	return cc.h2.Available()
}

func (cc *ClientConn) Multiplexed() bool {
	return cc.h2 != nil
}

// Ping checks that the peer is responsive. Over HTTP/2 it sends a PING
// frame; HTTP/1.1 has no equivalent, so it only checks that the connection
// is still usable.
func (cc *ClientConn) Ping(ctx context.Context) error {
	if cc.h2 != nil {
		return cc.h2.Ping(ctx)
	}
	if !cc.h1.reusable() {
		if err := cc.h1.Err(); err != nil {
			return err
		}
		return errConnClosing
	}
	return nil
}

// Close closes the connection and waits for its goroutines to stop.
// Exchanges in flight fail with a KindConnectionClosed error.
func (cc *ClientConn) Close() error {
	if cc.h1 != nil {
		cc.h1.close()
		return nil
	}
	return cc.h2.Close()
}

func (cc *ClientConn) Done() <-chan struct{} {
	if cc.h1 != nil {
		return cc.h1.done
	}
	return cc.h2.Done()
}

// Err returns the error that ended the connection. A connection closed
// locally or by the peer between exchanges reports a KindConnectionClosed
// error.
func (cc *ClientConn) Err() error {
	if cc.h1 != nil {
		return cc.h1.Err()
	}
	return cc.h2.Err()
}
