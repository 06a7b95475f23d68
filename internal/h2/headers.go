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

package h2

import (
	"strconv"
	"strings"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Connection-specific fields have no meaning in HTTP/2 and are dropped
// when converting a head.
//
//nolint:gochecknoglobals
var connectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
}

func requestFields(head *message.RequestHead, defaultScheme string, sizeHint int64) ([]hpack.HeaderField, error) {
	if !httpguts.ValidHeaderFieldName(head.Method) {
		return nil, httperr.Newf(httperr.KindParse, "invalid method %q", head.Method)
	}
	authority := head.Authority
	if authority == "" {
		authority = head.Header.Get("Host")
	}
	fields := make([]hpack.HeaderField, 0, 4+head.Header.Len())
	fields = append(fields, hpack.HeaderField{Name: ":method", Value: head.Method})
	if head.Method == message.MethodConnect {
		if authority == "" {
			authority = head.Target
		}
		if authority == "" {
			return nil, httperr.New(httperr.KindParse, "CONNECT request without authority")
		}
		fields = append(fields, hpack.HeaderField{Name: ":authority", Value: authority})
	} else {
		scheme := head.Scheme
		if scheme == "" {
			scheme = defaultScheme
		}
		path := head.Target
		if path == "" {
			path = "/"
		}
		if strings.ContainsAny(path, " \t\r\n") {
			return nil, httperr.Newf(httperr.KindParse, "invalid request target %q", path)
		}
		fields = append(fields, hpack.HeaderField{Name: ":scheme", Value: scheme})
		if authority != "" {
			fields = append(fields, hpack.HeaderField{Name: ":authority", Value: authority})
		}
		fields = append(fields, hpack.HeaderField{Name: ":path", Value: path})
	}
	fields, err := appendRegular(fields, &head.Header)
	if err != nil {
		return nil, err
	}
	if sizeHint > 0 && !head.Header.Has("Content-Length") {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(sizeHint, 10)})
	}
	return fields, nil
}

func responseFields(head *message.ResponseHead, sizeHint int64) ([]hpack.HeaderField, error) {
	if head.Status < 100 || head.Status > 999 {
		return nil, httperr.Newf(httperr.KindParse, "invalid status code %d", head.Status)
	}
	fields := make([]hpack.HeaderField, 0, 2+head.Header.Len())
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(head.Status)})
	fields, err := appendRegular(fields, &head.Header)
	if err != nil {
		return nil, err
	}
	if sizeHint >= 0 && !head.Header.Has("Content-Length") {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(sizeHint, 10)})
	}
	return fields, nil
}

func appendRegular(fields []hpack.HeaderField, header *message.Header) ([]hpack.HeaderField, error) {
	for _, field := range header.Fields() {
		if !httpguts.ValidHeaderFieldName(field.Name) {
			return nil, httperr.Newf(httperr.KindParse, "invalid header field name %q", field.Name)
		}
		if !httpguts.ValidHeaderFieldValue(field.Value) {
			return nil, httperr.Newf(httperr.KindParse, "invalid value for header field %q", field.Name)
		}
		name := strings.ToLower(field.Name)
		if connectionHeaders[name] {
			continue
		}
		if name == "te" && !strings.EqualFold(strings.TrimSpace(field.Value), "trailers") {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: field.Value})
	}
	return fields, nil
}

func headerFrom(fields []hpack.HeaderField) message.Header {
	var header message.Header
	for _, field := range fields {
		header.Add(field.Name, field.Value)
	}
	return header
}

func decodeRequest(frame *http2.MetaHeadersFrame) (*message.RequestHead, error) {
	method := frame.PseudoValue("method")
	if method == "" {
		return nil, httperr.New(httperr.KindParse, "missing :method")
	}
	head := &message.RequestHead{
		Method:    method,
		Version:   message.HTTP2,
		Header:    headerFrom(frame.RegularFields()),
		Authority: frame.PseudoValue("authority"),
		Scheme:    frame.PseudoValue("scheme"),
	}
	if method == message.MethodConnect {
		if head.Authority == "" {
			return nil, httperr.New(httperr.KindParse, "CONNECT without :authority")
		}
		head.Target = head.Authority
		return head, nil
	}
	head.Target = frame.PseudoValue("path")
	if head.Target == "" {
		return nil, httperr.New(httperr.KindParse, "missing :path")
	}
	if head.Authority == "" {
		head.Authority = head.Header.Get("Host")
	}
	return head, nil
}

func decodeResponse(frame *http2.MetaHeadersFrame) (*message.ResponseHead, error) {
	status := frame.PseudoValue("status")
	code, err := strconv.Atoi(status)
	if err != nil || len(status) != 3 || code < 100 {
		return nil, httperr.Newf(httperr.KindParse, "invalid :status %q", status)
	}
	return &message.ResponseHead{
		Status:  code,
		Version: message.HTTP2,
		Header:  headerFrom(frame.RegularFields()),
	}, nil
}

// contentLength returns the declared body length, or -1.
func contentLength(header *message.Header) int64 {
	values := header.Values("Content-Length")
	if len(values) != 1 {
		return -1
	}
	length, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || length < 0 {
		return -1
	}
	return length
}
