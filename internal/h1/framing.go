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

// Package h1 implements the HTTP/1.1 wire codec. It is a pure state
// machine: the decoder turns bytes into heads, body data, and trailers,
// and the encoders do the inverse. Neither performs any I/O.
package h1

import (
	"strconv"
	"strings"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
)

// FramingKind is how the end of a message body is determined.
type FramingKind int

const (
	// FramingNone means the message has no body.
	FramingNone = FramingKind(iota)
	// FramingLength means the body is exactly Framing.Length bytes.
	FramingLength
	// FramingChunked means chunked transfer coding.
	FramingChunked
	// FramingClose means the body runs until the connection is closed.
	// Only valid for responses.
	FramingClose
)

func (k FramingKind) String() string {
	switch k {
	case FramingNone:
		return "none"
	case FramingLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "until-close"
	default:
		return "FramingKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Framing describes a message body's framing.
type Framing struct {
	Kind FramingKind
	// Length is only meaningful for FramingLength.
	Length int64
}

// HasBody reports whether any body bytes can follow the head.
func (f Framing) HasBody() bool {
	switch f.Kind {
	case FramingNone:
		return false
	case FramingLength:
		return f.Length > 0
	default:
		return true
	}
}

// Limits bounds how much the decoder buffers. Zero values mean defaults.
type Limits struct {
	// MaxHeadBytes bounds the start line plus header block, and separately
	// a trailer block.
	MaxHeadBytes int
	// MaxHeaders bounds the number of header (or trailer) fields.
	MaxHeaders int
	// MaxChunkLine bounds a chunk-size line, including extensions.
	MaxChunkLine int
}

const (
	DefaultMaxHeadBytes = 64 << 10
	DefaultMaxHeaders   = 100
	DefaultMaxChunkLine = 4096
)

func (l Limits) withDefaults() Limits {
	if l.MaxHeadBytes <= 0 {
		l.MaxHeadBytes = DefaultMaxHeadBytes
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = DefaultMaxHeaders
	}
	if l.MaxChunkLine <= 0 {
		l.MaxChunkLine = DefaultMaxChunkLine
	}
	return l
}

// KeepAlive reports whether a message with the given version and header
// leaves the connection open afterwards, going only by the Connection
// header: HTTP/1.1 defaults to persistent and HTTP/1.0 does not.
func KeepAlive(version message.Version, header *message.Header) bool {
	if header.ContainsToken("Connection", "close") {
		return false
	}
	if version.AtLeast(message.HTTP11) {
		return true
	}
	return header.ContainsToken("Connection", "keep-alive")
}

// parseContentLength parses all Content-Length values, including comma
// separated lists of them. Differing values are ambiguous.
func parseContentLength(values []string) (int64, error) {
	length := int64(-1)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" || strings.TrimLeft(part, "0123456789") != "" {
				return 0, httperr.Newf(httperr.KindParse, "invalid content-length %q", value)
			}
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, httperr.Newf(httperr.KindParse, "invalid content-length %q", value)
			}
			if length >= 0 && n != length {
				return 0, httperr.New(httperr.KindAmbiguousFraming, "conflicting content-length values")
			}
			length = n
		}
	}
	return length, nil
}

// chunkedIsFinal inspects Transfer-Encoding values. It reports whether
// chunked is the final coding, and fails if chunked is applied more than
// once or before another coding.
func chunkedIsFinal(values []string) (bool, error) {
	var codings []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				codings = append(codings, part)
			}
		}
	}
	for i, coding := range codings {
		if strings.EqualFold(coding, "chunked") && i != len(codings)-1 {
			return false, httperr.New(httperr.KindParse, "chunked is not the final transfer coding")
		}
	}
	return len(codings) > 0 && strings.EqualFold(codings[len(codings)-1], "chunked"), nil
}
