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
	"io"
)

// Upgraded is a connection that switched away from HTTP. Reads first
// return any bytes that were already buffered past the end of the HTTP
// head, then read from the transport.
type Upgraded struct {
	transport io.ReadWriteCloser
	buffered  []byte
}

func newUpgraded(transport io.ReadWriteCloser, buffered []byte) *Upgraded {
	var rest []byte
	if len(buffered) > 0 {
		rest = append([]byte(nil), buffered...)
	}
	return &Upgraded{transport: transport, buffered: rest}
}

func (u *Upgraded) Read(p []byte) (int, error) {
	if len(u.buffered) > 0 {
		n := copy(p, u.buffered)
		u.buffered = u.buffered[n:]
		return n, nil
	}
	return u.transport.Read(p)
}

func (u *Upgraded) Write(p []byte) (int, error) {
	return u.transport.Write(p)
}

func (u *Upgraded) Close() error {
	return u.transport.Close()
}

// Transport returns the underlying transport. Bytes returned by Buffered
// must be consumed before reading from it directly.
func (u *Upgraded) Transport() io.ReadWriteCloser {
	return u.transport
}

// Buffered returns the bytes read from the transport but not yet returned
// by Read.
func (u *Upgraded) Buffered() []byte {
	return u.buffered
}
