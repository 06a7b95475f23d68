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

package health

import (
	"context"
	"io"
	"time"

	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/internal"
)

// PollingCheckerConfig configures a checker created by NewPollingChecker.
type PollingCheckerConfig struct {
	// How often to probe. If zero, defaults to 15 seconds.
	PollingInterval time.Duration
	// How long a single probe may take. If zero, defaults to the
	// polling interval.
	Timeout time.Duration
	// The number of consecutive passing probes needed before an unhealthy
	// connection is reported healthy again. If zero, defaults to 1.
	HealthyThreshold int
	// The number of consecutive failing probes needed before a healthy
	// connection is reported unhealthy. If zero, defaults to 1.
	UnhealthyThreshold int
}

// A Prober is a type that can perform single-shot healthchecks against a
// connection.
type Prober interface {
	Probe(ctx context.Context, conn conn.Conn) State
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, conn conn.Conn) State

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, conn conn.Conn) State {
	return f(ctx, conn)
}

// NewReusableProber returns a prober that reports a connection healthy as
// long as its dispatcher considers it reusable. A connection whose peer
// went away, or that hit a fatal protocol error, is reported unhealthy.
func NewReusableProber() Prober {
	return ProberFunc(func(_ context.Context, connection conn.Conn) State {
		select {
		case <-connection.Done():
			return StateUnhealthy
		default:
		}
		if !connection.Reusable() {
			return StateUnhealthy
		}
		return StateHealthy
	})
}

// Pinger is implemented by connections that can check liveness with a
// round trip to the peer, such as an HTTP/2 PING.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingProber returns a prober that pings connections implementing
// Pinger, and falls back to NewReusableProber for the rest.
func NewPingProber() Prober {
	reusable := NewReusableProber()
	return ProberFunc(func(ctx context.Context, connection conn.Conn) State {
		if state := reusable.Probe(ctx, connection); state == StateUnhealthy {
			return state
		}
		pinger, ok := connection.(Pinger)
		if !ok {
			return StateHealthy
		}
		if err := pinger.Ping(ctx); err != nil {
			return StateUnhealthy
		}
		return StateHealthy
	})
}

// NewPollingChecker creates a new checker that calls a single-shot prober
// on a fixed interval. The first probe result is reported immediately;
// after that, the state only changes once the configured threshold of
// consecutive results agrees.
func NewPollingChecker(config PollingCheckerConfig, prober Prober) Checker {
	if config.PollingInterval == 0 {
		config.PollingInterval = 15 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = config.PollingInterval
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 1
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 1
	}
	return &pollingChecker{
		config: config,
		prober: prober,
		clock:  internal.NewRealClock(),
	}
}

type pollingChecker struct {
	config PollingCheckerConfig
	prober Prober
	clock  internal.Clock
}

func (r *pollingChecker) New(
	ctx context.Context,
	connection conn.Conn,
	tracker Tracker,
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingCheckerTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	ticker := r.clock.NewTicker(r.config.PollingInterval)
	go func() {
		defer close(task.doneSignal)
		defer cancel()
		defer ticker.Stop()

		tally := thresholdTally{
			current:            StateUnknown,
			healthyThreshold:   r.config.HealthyThreshold,
			unhealthyThreshold: r.config.UnhealthyThreshold,
		}
		for {
			probeCtx, probeCancel := context.WithTimeout(ctx, r.config.Timeout)
			result := r.prober.Probe(probeCtx, connection)
			probeCancel()
			if tally.observe(result) {
				tracker.UpdateHealthState(connection, tally.current)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
	return task
}

type pollingCheckerTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (t *pollingCheckerTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}

// thresholdTally debounces probe results.
type thresholdTally struct {
	current            State
	candidate          State
	streak             int
	healthyThreshold   int
	unhealthyThreshold int
}

// observe records a probe result and reports whether the current state
// changed as a result.
func (t *thresholdTally) observe(result State) bool {
	if result == StateUnknown {
		return false
	}
	if t.current == StateUnknown {
		t.current = result
		t.streak = 0
		return true
	}
	if result == t.current {
		t.streak = 0
		return false
	}
	if result != t.candidate {
		t.candidate = result
		t.streak = 0
	}
	t.streak++
	threshold := t.unhealthyThreshold
	if result == StateHealthy {
		threshold = t.healthyThreshold
	}
	if t.streak < threshold {
		return false
	}
	t.current = result
	t.streak = 0
	return true
}
