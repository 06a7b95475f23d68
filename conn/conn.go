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

// Package conn provides the representation of a logical client connection,
// as seen by the [github.com/bufbuild/httpengine/pool] package, and the
// [Connector] contract used to establish the byte streams underneath them.
//
// A single connection wraps a single transport (usually a TCP socket,
// possibly with TLS) to a single destination, driven by one dispatcher.
package conn

import (
	"fmt"
)

// Protocol identifies an HTTP wire protocol. When used as a preference
// (in a pool key or a dispatcher option), ProtocolAuto means "whatever
// the peer negotiates". An established connection never reports
// ProtocolAuto.
type Protocol int

const (
	ProtocolAuto = Protocol(iota)
	ProtocolHTTP1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolAuto:
		return "auto"
	case ProtocolHTTP1:
		return "http/1.1"
	case ProtocolHTTP2:
		return "h2"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// Compatible reports whether a connection speaking the given protocol
// can satisfy this preference.
func (p Protocol) Compatible(actual Protocol) bool {
	return p == ProtocolAuto || p == actual
}

// Conn represents a client connection to a destination. It is implemented
// by [github.com/bufbuild/httpengine/dispatch.ClientConn].
type Conn interface {
	// Protocol returns the wire protocol in use on this connection.
	Protocol() Protocol
	// Reusable reports whether the connection may be used for further
	// exchanges once its current ones complete. It becomes false, and
	// stays false, when the connection is closing or closed, was
	// upgraded, or was abandoned mid-exchange.
	Reusable() bool
	// Available reports whether the connection can accept a new exchange
	// right now. For HTTP/1.1 this means nothing is in flight; for HTTP/2
	// it means the peer's concurrent stream limit has not been reached.
	Available() bool
	// Multiplexed reports whether the connection can carry concurrent
	// exchanges, so it may be shared between multiple checkouts.
	Multiplexed() bool
	// Done returns a channel that is closed when the connection is
	// closed and all of its goroutines have stopped.
	Done() <-chan struct{}
	// Close closes the connection. In-flight exchanges fail.
	Close() error
}
