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
	"time"

	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/internal"
	"github.com/bufbuild/httpengine/internal/h1"
	"github.com/bufbuild/httpengine/internal/h2"
	"go.uber.org/zap"
)

const (
	// DefaultExpectContinueTimeout is how long a client withholds a request
	// body that asked for "100 Continue" before sending it anyway.
	DefaultExpectContinueTimeout = time.Second
	// DefaultMaxPipelined bounds the requests written ahead of their
	// responses when pipelining is enabled.
	DefaultMaxPipelined = 16

	readChunkSize = 32 * 1024
)

// Option customizes a ClientConn or ServerConn.
type Option interface {
	apply(*options)
}

// WithProtocol selects the wire protocol. For a client, ProtocolAuto uses
// the protocol negotiated via TLS ALPN, falling back to HTTP/1.1. For a
// server, ProtocolAuto detects the HTTP/2 client preface. The default is
// ProtocolHTTP1 for clients and ProtocolAuto for servers.
func WithProtocol(protocol conn.Protocol) Option {
	return optionFunc(func(opts *options) {
		opts.protocol = protocol
		opts.protocolSet = true
	})
}

// WithPipelining allows an HTTP/1.1 client connection to write up to max
// requests before their responses have been read. Responses are still
// delivered in order. A max of zero or less uses DefaultMaxPipelined.
func WithPipelining(maxPipelined int) Option {
	return optionFunc(func(opts *options) {
		opts.pipelining = true
		if maxPipelined <= 0 {
			maxPipelined = DefaultMaxPipelined
		}
		opts.maxPipelined = maxPipelined
	})
}

// WithExpectContinueTimeout sets how long a client waits for "100 Continue"
// before sending a request body anyway.
func WithExpectContinueTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.expectContinueTimeout = timeout
	})
}

// Limits bounds what is accepted from an HTTP/1.1 peer. Zero fields use
// the defaults: 64 KiB heads, 100 header fields, 4 KiB chunk lines.
type Limits = h1.Limits

// WithLimits bounds the size of HTTP/1.1 heads, header counts, and chunk
// lines accepted from the peer.
func WithLimits(limits Limits) Option {
	return optionFunc(func(opts *options) {
		opts.limits = limits
	})
}

// WithKeepAlive controls whether an HTTP/1.1 server connection serves more
// than one request. It is enabled by default.
func WithKeepAlive(enabled bool) Option {
	return optionFunc(func(opts *options) {
		opts.disableKeepAlive = !enabled
	})
}

// WithHTTP2 configures the HTTP/2 adapter: the concurrent stream limit
// advertised to the peer and the initial flow-control windows. Zero values
// keep the defaults.
func WithHTTP2(maxConcurrentStreams, streamWindow, connWindow uint32) Option {
	return optionFunc(func(opts *options) {
		opts.h2.MaxConcurrentStreams = maxConcurrentStreams
		opts.h2.InitialStreamWindowSize = streamWindow
		opts.h2.InitialConnWindowSize = connWindow
	})
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithClock overrides the clock used for the Expect: 100-continue wait.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	protocol              conn.Protocol
	protocolSet           bool
	pipelining            bool
	maxPipelined          int
	expectContinueTimeout time.Duration
	limits                h1.Limits
	disableKeepAlive      bool
	h2                    h2.Config
	logger                *zap.Logger
	clock                 internal.Clock
}

func newOptions(defaultProtocol conn.Protocol, opts []Option) *options {
	var result options
	for _, opt := range opts {
		opt.apply(&result)
	}
	if !result.protocolSet {
		result.protocol = defaultProtocol
	}
	result.applyDefaults()
	return &result
}

func (opts *options) applyDefaults() {
	if opts.expectContinueTimeout <= 0 {
		opts.expectContinueTimeout = DefaultExpectContinueTimeout
	}
	if opts.maxPipelined <= 0 {
		opts.maxPipelined = 1
	}
	if !opts.pipelining {
		opts.maxPipelined = 1
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
