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

package message

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header field, as it appeared on (or will appear on)
// the wire.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Unlike [net/http.Header],
// it preserves both the original order of fields and the original case
// of field names, and it permits duplicates. Lookups by name are
// case-insensitive.
//
// The zero value is an empty header, ready to use.
type Header struct {
	fields []Field
}

// NewHeader returns a header containing the given name/value pairs. The
// number of arguments must be even.
func NewHeader(pairs ...string) Header {
	if len(pairs)%2 != 0 {
		panic("message: NewHeader called with odd number of arguments")
	}
	h := Header{fields: make([]Field, 0, len(pairs)/2)}
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Len returns the number of fields, counting duplicates.
func (h *Header) Len() int {
	return len(h.fields)
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces all fields with the given name with a single field. If
// there was an existing field, the new one takes the position of the
// first of them.
func (h *Header) Set(name, value string) {
	idx := -1
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if idx < 0 {
				idx = len(out)
				out = append(out, Field{Name: f.Name, Value: value})
			}
			continue
		}
		out = append(out, f)
	}
	h.fields = out
	if idx < 0 {
		h.Add(name, value)
	}
}

// Get returns the value of the first field with the given name, or the
// empty string if there is none.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field with the given name exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns the values of all fields with the given name, in order.
func (h *Header) Values(name string) []string {
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Del removes all fields with the given name.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	// clear the tail so removed strings can be collected
	for i := len(out); i < len(h.fields); i++ {
		h.fields[i] = Field{}
	}
	h.fields = out
}

// ContainsToken reports whether any field with the given name contains
// the given token in its comma-separated list of values. The match is
// case-insensitive, as is required for headers like Connection.
func (h *Header) ContainsToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// Fields returns the fields in order. The returned slice must not be
// modified.
func (h *Header) Fields() []Field {
	return h.fields
}

// Range calls fn for each field in order until fn returns false.
func (h *Header) Range(fn func(name, value string) bool) {
	for _, f := range h.fields {
		if !fn(f.Name, f.Value) {
			return
		}
	}
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() Header {
	if h.fields == nil {
		return Header{}
	}
	fields := make([]Field, len(h.fields))
	copy(fields, h.fields)
	return Header{fields: fields}
}
