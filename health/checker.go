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

	"github.com/bufbuild/httpengine/conn"
)

// NopChecker reports every connection healthy and never checks again.
// Connections are then only evicted for being closed, expired, or not
// reusable.
//
//nolint:gochecknoglobals
var NopChecker Checker = nopChecker{}

// Checker starts health checks for pooled connections. The pool calls New
// once per established connection and closes the result when the
// connection leaves the pool.
type Checker interface {
	// New starts checking connection and reports results to tracker. The
	// check must stop when ctx is done or the returned Closer is closed,
	// whichever comes first.
	//
	// New must not call the tracker itself: the pool holds its lock while
	// starting checks. Report the first result from a goroutine.
	New(ctx context.Context, connection conn.Conn, tracker Tracker) io.Closer
}

// Tracker receives health updates. The pool implements it: a connection
// reported as StateUnhealthy is no longer checked out and is closed once
// its current exchanges finish.
type Tracker interface {
	UpdateHealthState(connection conn.Conn, state State)
}

type nopChecker struct{}

func (nopChecker) New(_ context.Context, connection conn.Conn, tracker Tracker) io.Closer {
	go tracker.UpdateHealthState(connection, StateHealthy)
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
