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

package h1

import (
	"strconv"
	"strings"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"golang.org/x/net/http/httpguts"
)

// EncodeRequestHead appends the request line and header to dst and
// reports how the body that follows must be framed.
//
// The framing comes from an explicit Content-Length or Transfer-Encoding
// header if there is one. Otherwise a non-negative sizeHint yields a
// Content-Length, and an unknown size (-1) yields chunked coding. A Host
// header is added from the head's Authority if the header has none.
func EncodeRequestHead(dst []byte, head *message.RequestHead, sizeHint int64) ([]byte, Framing, error) {
	if !httpguts.ValidHeaderFieldName(head.Method) {
		return dst, Framing{}, httperr.Newf(httperr.KindParse, "invalid method %q", head.Method)
	}
	if !validTarget(head.Target) {
		return dst, Framing{}, httperr.Newf(httperr.KindParse, "invalid request target %q", head.Target)
	}
	version := message.HTTP11
	if head.Version == message.HTTP10 {
		version = message.HTTP10
	}

	framing, extra, err := outboundFraming(&head.Header, sizeHint, version)
	if err != nil {
		return dst, Framing{}, err
	}
	if framing.Kind == FramingLength && framing.Length == 0 && extra != "" && !methodHasBody(head.Method) {
		// no need to announce an empty body for GET and friends
		framing, extra = Framing{Kind: FramingNone}, ""
	}
	if framing.Kind == FramingClose {
		return dst, Framing{}, httperr.New(httperr.KindBodyLength, "request body of unknown length requires HTTP/1.1")
	}

	dst = append(dst, head.Method...)
	dst = append(dst, ' ')
	dst = append(dst, head.Target...)
	dst = append(dst, ' ')
	dst = append(dst, version.String()...)
	dst = append(dst, "\r\n"...)
	if !head.Header.Has("Host") && head.Authority != "" {
		if !httpguts.ValidHostHeader(head.Authority) {
			return dst, Framing{}, httperr.Newf(httperr.KindParse, "invalid authority %q", head.Authority)
		}
		dst = append(dst, "Host: "...)
		dst = append(dst, head.Authority...)
		dst = append(dst, "\r\n"...)
	}
	dst, err = appendFields(dst, &head.Header)
	if err != nil {
		return dst, Framing{}, err
	}
	dst = append(dst, extra...)
	dst = append(dst, "\r\n"...)
	return dst, framing, nil
}

func methodHasBody(method string) bool {
	switch method {
	case message.MethodPost, message.MethodPut, "PATCH":
		return true
	default:
		return false
	}
}

// RequestInfo describes the request a response answers.
type RequestInfo struct {
	Method  string
	Version message.Version
	// KeepAlive is false if the connection must close after the response,
	// in which case "Connection: close" is written.
	KeepAlive bool
}

// EncodeResponseHead appends the status line and header to dst and
// reports how the body that follows must be framed. Framing is chosen as
// for requests, except that a body of unknown length sent to an HTTP/1.0
// peer is framed by closing the connection. Responses that cannot have a
// body (1xx, 204, 304, answers to HEAD, and successful CONNECT) have
// FramingNone whatever their header says.
func EncodeResponseHead(dst []byte, head *message.ResponseHead, req RequestInfo, sizeHint int64) ([]byte, Framing, error) {
	if head.Status < 100 || head.Status > 999 {
		return dst, Framing{}, httperr.Newf(httperr.KindParse, "invalid status code %d", head.Status)
	}
	reason := head.Reason
	if reason == "" {
		reason = message.StatusText(head.Status)
	}
	if strings.ContainsAny(reason, "\r\n") {
		return dst, Framing{}, httperr.Newf(httperr.KindParse, "invalid reason phrase %q", reason)
	}

	var (
		framing Framing
		extra   string
		err     error
	)
	bodiless := head.Status < 200 || head.Status == 204 || head.Status == 304 ||
		req.Method == message.MethodHead ||
		(req.Method == message.MethodConnect && head.Status < 300)
	if bodiless {
		framing = Framing{Kind: FramingNone}
	} else {
		framing, extra, err = outboundFraming(&head.Header, sizeHint, req.Version)
		if err != nil {
			return dst, Framing{}, err
		}
	}
	closing := !req.KeepAlive || framing.Kind == FramingClose
	if head.Status >= 200 && closing && !head.Header.ContainsToken("Connection", "close") {
		extra += "Connection: close\r\n"
	}

	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(head.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, "\r\n"...)
	dst, err = appendFields(dst, &head.Header)
	if err != nil {
		return dst, Framing{}, err
	}
	dst = append(dst, extra...)
	dst = append(dst, "\r\n"...)
	return dst, framing, nil
}

// outboundFraming picks the framing of an outgoing body and returns any
// header lines that must be added to announce it.
func outboundFraming(header *message.Header, sizeHint int64, peer message.Version) (Framing, string, error) {
	transferEncoding := header.Values("Transfer-Encoding")
	contentLength := header.Values("Content-Length")
	switch {
	case len(transferEncoding) > 0 && len(contentLength) > 0:
		return Framing{}, "", httperr.New(httperr.KindAmbiguousFraming, "both content-length and transfer-encoding set")
	case len(transferEncoding) > 0:
		chunked, err := chunkedIsFinal(transferEncoding)
		if err != nil {
			return Framing{}, "", err
		}
		if !chunked {
			return Framing{}, "", httperr.New(httperr.KindParse, "transfer-encoding must end in chunked")
		}
		return Framing{Kind: FramingChunked}, "", nil
	case len(contentLength) > 0:
		length, err := parseContentLength(contentLength)
		if err != nil {
			return Framing{}, "", err
		}
		if sizeHint >= 0 && sizeHint != length {
			return Framing{}, "", httperr.Newf(httperr.KindBodyLength, "content-length %d does not match body size %d", length, sizeHint)
		}
		return Framing{Kind: FramingLength, Length: length}, "", nil
	case sizeHint >= 0:
		return Framing{Kind: FramingLength, Length: sizeHint}, "Content-Length: " + strconv.FormatInt(sizeHint, 10) + "\r\n", nil
	case peer.AtLeast(message.HTTP11):
		return Framing{Kind: FramingChunked}, "Transfer-Encoding: chunked\r\n", nil
	default:
		return Framing{Kind: FramingClose}, "", nil
	}
}

func appendFields(dst []byte, header *message.Header) ([]byte, error) {
	for _, field := range header.Fields() {
		if !httpguts.ValidHeaderFieldName(field.Name) {
			return dst, httperr.Newf(httperr.KindParse, "invalid header field name %q", field.Name)
		}
		if !httpguts.ValidHeaderFieldValue(field.Value) {
			return dst, httperr.Newf(httperr.KindParse, "invalid value for header field %q", field.Name)
		}
		dst = append(dst, field.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, field.Value...)
		dst = append(dst, "\r\n"...)
	}
	return dst, nil
}

// BodyEncoder frames body chunks for the wire.
type BodyEncoder struct {
	framing Framing
	written int64
	done    bool
}

// NewBodyEncoder returns an encoder for a body with the given framing.
func NewBodyEncoder(framing Framing) *BodyEncoder {
	return &BodyEncoder{framing: framing}
}

// Encode appends the wire form of chunk to dst.
func (e *BodyEncoder) Encode(dst, chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return dst, nil
	}
	if e.done {
		return dst, httperr.New(httperr.KindBodyLength, "write after end of body")
	}
	switch e.framing.Kind {
	case FramingNone:
		return dst, httperr.New(httperr.KindBodyLength, "body not allowed for this message")
	case FramingLength:
		if e.written+int64(len(chunk)) > e.framing.Length {
			return dst, httperr.Newf(httperr.KindBodyLength, "body exceeds content-length %d", e.framing.Length)
		}
		e.written += int64(len(chunk))
		return append(dst, chunk...), nil
	case FramingChunked:
		e.written += int64(len(chunk))
		dst = strconv.AppendInt(dst, int64(len(chunk)), 16)
		dst = append(dst, "\r\n"...)
		dst = append(dst, chunk...)
		return append(dst, "\r\n"...), nil
	default:
		e.written += int64(len(chunk))
		return append(dst, chunk...), nil
	}
}

// Finish appends the end of the body to dst. For chunked framing that is
// the last chunk and the trailers; other framings cannot carry trailers,
// so they are dropped.
func (e *BodyEncoder) Finish(dst []byte, trailers message.Header) ([]byte, error) {
	if e.done {
		return dst, nil
	}
	e.done = true
	switch e.framing.Kind {
	case FramingLength:
		if e.written != e.framing.Length {
			return dst, httperr.Newf(httperr.KindBodyLength, "body has %d bytes, content-length is %d", e.written, e.framing.Length)
		}
	case FramingChunked:
		dst = append(dst, "0\r\n"...)
		var err error
		dst, err = appendFields(dst, &trailers)
		if err != nil {
			return dst, err
		}
		dst = append(dst, "\r\n"...)
	}
	return dst, nil
}

// Written returns the number of body bytes encoded so far.
func (e *BodyEncoder) Written() int64 {
	return e.written
}
