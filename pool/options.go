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

package pool

import (
	"time"

	"github.com/bufbuild/httpengine/health"
	"github.com/bufbuild/httpengine/internal"
	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout is how long an idle HTTP/1.1 connection is kept.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultMultiplexedIdleTimeout is how long an idle HTTP/2 connection
	// is kept.
	DefaultMultiplexedIdleTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often expired idle connections are
	// closed.
	DefaultSweepInterval = 10 * time.Second
)

// Option customizes a Pool.
type Option interface {
	apply(*options)
}

// WithIdleTimeout sets how long a connection may sit idle before it is
// closed, for every protocol.
func WithIdleTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.idleTimeout = timeout
		opts.multiplexedIdleTimeout = timeout
	})
}

// WithMaxIdlePerKey bounds the idle HTTP/1.1 connections kept per key.
// On overflow, the connection idle the longest is closed. Zero, the
// default, means no bound.
func WithMaxIdlePerKey(limit int) Option {
	return optionFunc(func(opts *options) {
		opts.maxIdlePerKey = limit
	})
}

// WithMaxConnsPerKey bounds the connections per key, counting both live
// ones and ones being established. Zero, the default, means no bound.
func WithMaxConnsPerKey(limit int) Option {
	return optionFunc(func(opts *options) {
		opts.maxConnsPerKey = limit
	})
}

// WithMaxWaitersPerKey bounds the checkouts that may wait for a connection
// per key. Further checkouts fail with a KindPoolExhausted error. Zero,
// the default, means no bound.
func WithMaxWaitersPerKey(limit int) Option {
	return optionFunc(func(opts *options) {
		opts.maxWaitersPerKey = limit
	})
}

// WithCheckoutTimeout bounds how long Checkout waits. Zero, the default,
// leaves it to the caller's context.
func WithCheckoutTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.checkoutTimeout = timeout
	})
}

// WithHealthChecker sets the checker started for every new connection.
// The default polls health.NewReusableProber every 15 seconds.
func WithHealthChecker(checker health.Checker) Option {
	return optionFunc(func(opts *options) {
		opts.checker = checker
	})
}

// WithSweepInterval sets how often expired idle connections are closed.
func WithSweepInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.sweepInterval = interval
	})
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithClock overrides the clock used for idle expiry and checkout
// timeouts.
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
	idleTimeout            time.Duration
	multiplexedIdleTimeout time.Duration
	maxIdlePerKey          int
	maxConnsPerKey         int
	maxWaitersPerKey       int
	checkoutTimeout        time.Duration
	sweepInterval          time.Duration
	checker                health.Checker
	logger                 *zap.Logger
	clock                  internal.Clock
}

func (opts *options) applyDefaults() {
	if opts.idleTimeout <= 0 {
		opts.idleTimeout = DefaultIdleTimeout
	}
	if opts.multiplexedIdleTimeout <= 0 {
		opts.multiplexedIdleTimeout = DefaultMultiplexedIdleTimeout
	}
	if opts.sweepInterval <= 0 {
		opts.sweepInterval = DefaultSweepInterval
	}
	if opts.checker == nil {
		opts.checker = health.NewPollingChecker(health.PollingCheckerConfig{}, health.NewReusableProber())
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
