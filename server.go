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

package httpengine

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/bufbuild/httpengine/dispatch"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by the Server's Serve and ServeConn methods
// after a call to Shutdown or Close.
var ErrServerClosed = errors.New("httpengine: server closed")

// ServerOption is an option used to customize the behavior of a Server.
type ServerOption interface {
	apply(*serverOptions)
}

// WithServerConnOptions passes options to every connection the server
// serves. Use them to pick the protocol, limits, keep-alive, and HTTP/2
// settings.
func WithServerConnOptions(options ...dispatch.Option) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.connOptions = append(opts.connOptions, options...)
	})
}

// WithServerTLSConfig makes Serve wrap accepted connections in TLS. If
// the config names no protocols, "h2" and "http/1.1" are offered via ALPN.
func WithServerTLSConfig(config *tls.Config) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.tlsConfig = config
	})
}

// WithServerLogger sets the logger for the server and its connections.
// The default discards everything.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.logger = logger
	})
}

// Server serves a dispatch.Service on any number of connections. It keeps
// track of them so that they can be drained together.
type Server struct {
	svc    dispatch.Service
	opts   *serverOptions
	logger *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	conns map[*dispatch.ServerConn]struct{}
	// +checklocks:mu
	listeners map[net.Listener]struct{}
}

// NewServer returns a server that handles requests with svc.
func NewServer(svc dispatch.Service, options ...ServerOption) *Server {
	var opts serverOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &Server{
		svc:       svc,
		opts:      &opts,
		logger:    opts.logger,
		conns:     map[*dispatch.ServerConn]struct{}{},
		listeners: map[net.Listener]struct{}{},
	}
}

// Serve accepts connections from listener and serves each in its own
// goroutine. It returns ErrServerClosed once the server is shut down, or
// the error from Accept. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	s.listeners[listener] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, listener)
		s.mu.Unlock()
		_ = listener.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var group errgroup.Group
	defer func() {
		_ = group.Wait()
	}()
	for {
		transport, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if s.opts.tlsConfig != nil {
			transport = tls.Server(transport, s.opts.tlsConfig)
		}
		group.Go(func() error {
			if err := s.ServeConn(ctx, transport); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Debug("connection failed", zap.Stringer("remote", transport.RemoteAddr()), zap.Error(err))
			}
			return nil
		})
	}
}

// ServeConn serves a single connection until it closes. TLS connections
// complete their handshake first, so that the protocol negotiated via
// ALPN is known. It returns the connection's error, if any.
func (s *Server) ServeConn(ctx context.Context, transport net.Conn) error {
	if tlsConn, ok := transport.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = transport.Close()
			return err
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = transport.Close()
		return ErrServerClosed
	}
	sc := dispatch.NewServerConn(ctx, transport, s.opts.connOptions...)
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()
	return sc.Serve(ctx, s.svc)
}

// Shutdown stops accepting connections and drains the open ones: requests
// in flight are answered and then each connection closes. If ctx is done
// first, the remaining connections are closed at once and ctx's error is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	conns := s.stop()
	var group errgroup.Group
	for _, sc := range conns {
		sc.Shutdown()
		group.Go(func() error {
			select {
			case <-sc.Done():
				return nil
			case <-ctx.Done():
				_ = sc.Close()
				return ctx.Err()
			}
		})
	}
	return group.Wait()
}

// Close closes all listeners and connections immediately.
func (s *Server) Close() error {
	conns := s.stop()
	var group errgroup.Group
	for _, sc := range conns {
		group.Go(sc.Close)
	}
	return group.Wait()
}

// ActiveConns returns the number of connections being served.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) stop() []*dispatch.ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for listener := range s.listeners {
		_ = listener.Close()
	}
	conns := make([]*dispatch.ServerConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	return conns
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) apply(opts *serverOptions) {
	f(opts)
}

type serverOptions struct {
	connOptions []dispatch.Option
	tlsConfig   *tls.Config
	logger      *zap.Logger
}

func (opts *serverOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.tlsConfig != nil && len(opts.tlsConfig.NextProtos) == 0 {
		opts.tlsConfig = opts.tlsConfig.Clone()
		opts.tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	}
	opts.connOptions = append([]dispatch.Option{dispatch.WithLogger(opts.logger)}, opts.connOptions...)
}
