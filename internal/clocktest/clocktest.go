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

// Package clocktest adapts a clockwork fake clock to internal.Clock, so
// that pool expiry, health polling, and continue timeouts can be driven
// by hand in tests.
//
// Go compares method signatures nominally, so clockwork's NewTicker,
// NewTimer, and AfterFunc do not satisfy internal.Clock even though the
// returned interfaces have identical method sets. The wrapper re-boxes
// their results.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/httpengine/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is an internal.Clock that only moves when advanced.
type FakeClock interface {
	internal.Clock
	// Advance moves the clock forward, firing due timers and tickers.
	Advance(d time.Duration)
	// BlockUntilContext waits until the given number of timers and
	// tickers are pending.
	BlockUntilContext(ctx context.Context, waiters int) error
	// AdvanceWhenWaiting waits for the given number of pending timers and
	// tickers, then advances the clock. It is the usual way to step past a
	// deadline that a goroutine is about to wait on.
	AdvanceWhenWaiting(ctx context.Context, waiters int, d time.Duration) error
}

// NewFakeClock returns a fake clock set to an arbitrary fixed time.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) AdvanceWhenWaiting(ctx context.Context, waiters int, d time.Duration) error {
	if err := f.BlockUntilContext(ctx, waiters); err != nil {
		return err
	}
	f.Advance(d)
	return nil
}

func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	timer := f.FakeClock.NewTimer(d)
	if d == 0 {
		// a zero timer fires at once on a real clock, but clockwork leaves
		// it pending (jonboulle/clockwork#98), so drain it to match
		if !timer.Stop() {
			<-timer.Chan()
		}
	}
	return timer
}

func (f fakeClock) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
