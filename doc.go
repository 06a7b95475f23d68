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

// Package httpengine provides an HTTP/1.1 and HTTP/2 client and server
// built on streaming, demand-driven message bodies. It does not use
// net/http: requests and responses are heads (see package message) plus
// bodies (see package body) that only read from the network as fast as
// the consumer asks for data.
//
// To create a new client use the [NewClient] function. The client keeps a
// pool of connections per destination and sends each request on a
// connection that is free for it. To serve requests, use [NewServer] with
// a [dispatch.Service] and hand it connections, either one at a time with
// [Server.ServeConn] or from a listener with [Server.Serve].
//
// Both the client and the server have a notion of "closing". A client's
// Close method closes all of its connections and stops its background
// goroutines. A server's Shutdown method drains its connections, letting
// requests in flight complete, while Close stops them at once.
//
// # Default Behavior
//
// Without any options, the returned client behaves in the following ways:
//
//  1. Connections are established over TCP, with TLS for "https" URLs.
//     TLS connections offer both "h2" and "http/1.1" via ALPN and use
//     whichever the server picks. Plaintext connections use HTTP/1.1,
//     unless the URL scheme is "h2c", which selects HTTP/2 over plaintext.
//
//  2. An HTTP/1.1 connection carries one exchange at a time, and goes
//     back to the pool once the response body has been fully read. A
//     response body that is dropped early closes its connection, since
//     the rest of the response would otherwise have to be read and thrown
//     away. An HTTP/2 connection is shared by all concurrent requests to
//     the same destination, up to the server's stream limit.
//
//  3. Idle HTTP/1.1 connections are closed after 90 seconds, and idle
//     HTTP/2 connections after 5 minutes.
//
//  4. Requests have no timeout other than their context's.
//
//  5. Response bodies are not decompressed. Use [WithDecompression] to
//     request and decode gzip, deflate, br, and zstd content.
//
// # Architecture
//
// The layers of this module, from the bottom up:
//
//  1. The codecs. An HTTP/1.1 codec turns bytes into head and body events
//     and back, and an HTTP/2 adapter maps streams to the same model.
//  2. The dispatcher (package dispatch) owns one connection. It orders
//     exchanges on it, enforces keep-alive rules, and handles upgrades,
//     "Expect: 100-continue", and graceful drains.
//  3. The pool (package pool) owns dispatchers, keyed by destination and
//     protocol, and hands them out exclusively or, for HTTP/2, shared.
//  4. The [Client] and [Server] in this package tie these together with a
//     connector (see package conn) and optional health checks (see
//     package health).
package httpengine
