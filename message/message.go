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

// Package message contains the representation of the non-body part of an
// HTTP request or response: the "head". Heads are protocol-neutral; the
// same types are produced by the HTTP/1.1 codec and the HTTP/2 adapter.
//
// A head is immutable once it has been handed to a consumer. Code that
// needs to modify a received head should [RequestHead.Clone] or
// [ResponseHead.Clone] it first.
package message

import (
	"strconv"
)

// Version is an HTTP protocol version.
type Version struct {
	Major, Minor int
}

//nolint:gochecknoglobals
var (
	HTTP10 = Version{1, 0}
	HTTP11 = Version{1, 1}
	HTTP2  = Version{2, 0}
)

func (v Version) String() string {
	if v.Major == 2 && v.Minor == 0 {
		return "HTTP/2"
	}
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// AtLeast reports whether v is the same as or newer than other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

// Common request methods.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodConnect = "CONNECT"
	MethodOptions = "OPTIONS"
)

// RequestHead is the start line and header of a request.
type RequestHead struct {
	Method string
	// Target is the request-target: usually an origin-form path and query
	// ("/index.html?q=1"), an authority for CONNECT, or "*".
	Target  string
	Version Version
	Header  Header
	// Authority is the host (and optional port) the request is for. For
	// HTTP/1.1 it is taken from (and written as) the Host header; for
	// HTTP/2 it is the ":authority" pseudo-header.
	Authority string
	// Scheme is only meaningful for HTTP/2 (":scheme"). It is empty for
	// requests decoded from HTTP/1.1.
	Scheme string
}

// Clone returns a deep copy of the head.
func (r *RequestHead) Clone() *RequestHead {
	clone := *r
	clone.Header = r.Header.Clone()
	return &clone
}

// ExpectsContinue reports whether the request asks for a
// "100 Continue" interim response before its body is sent.
func (r *RequestHead) ExpectsContinue() bool {
	return r.Version.AtLeast(HTTP11) && r.Header.ContainsToken("Expect", "100-continue")
}

// WantsUpgrade reports whether the request asks to switch protocols, either
// with an Upgrade header or by being a CONNECT request.
func (r *RequestHead) WantsUpgrade() bool {
	if r.Method == MethodConnect {
		return true
	}
	return r.Header.Has("Upgrade") && r.Header.ContainsToken("Connection", "upgrade")
}

// ResponseHead is the status line and header of a response.
type ResponseHead struct {
	Status int
	// Reason is the reason phrase. If empty when encoding HTTP/1.1, a
	// standard phrase for the status code is used.
	Reason  string
	Version Version
	Header  Header
}

// Clone returns a deep copy of the head.
func (r *ResponseHead) Clone() *ResponseHead {
	clone := *r
	clone.Header = r.Header.Clone()
	return &clone
}

// IsInformational reports whether the status is 1xx.
func (r *ResponseHead) IsInformational() bool {
	return r.Status >= 100 && r.Status < 200
}

// NewResponse returns an HTTP/1.1 response head with the given status and
// header fields (name/value pairs).
func NewResponse(status int, pairs ...string) *ResponseHead {
	return &ResponseHead{Status: status, Version: HTTP11, Header: NewHeader(pairs...)}
}

// NewRequest returns an HTTP/1.1 request head with the given method,
// target, and header fields (name/value pairs).
func NewRequest(method, target string, pairs ...string) *RequestHead {
	return &RequestHead{Method: method, Target: target, Version: HTTP11, Header: NewHeader(pairs...)}
}

// StatusText returns a reason phrase for the status code, or the empty
// string if the code is unknown.
func StatusText(code int) string {
	return statusText[code]
}

//nolint:gochecknoglobals
var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	103: "Early Hints",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Content Too Large",
	417: "Expectation Failed",
	421: "Misdirected Request",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}
