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

// Package health provides pluggable health checking for pooled client
// connections.
//
// This package defines the core types [Checker], which creates health
// check processes for connections, and [Tracker], which is how a health
// check process communicates results back to the pool.
//
// The default implementation does periodic polling using a given
// [Prober]. The simplest prober, returned by [NewReusableProber], just
// asks the connection's dispatcher whether it is still reusable, which
// catches connections that the peer closed while they sat idle. More
// elaborate probers can send a request over the connection and examine
// the response.
package health
