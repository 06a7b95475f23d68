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

// Package decompress decodes response bodies according to their
// Content-Encoding.
package decompress

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/bufbuild/httpengine/body"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding lists the codings this package can decode, in the form
// of an Accept-Encoding header value.
const AcceptEncoding = "gzip, deflate, br, zstd"

const chunkSize = 32 * 1024

// Supported reports whether every coding in a Content-Encoding value can
// be decoded. Identity codings are ignored.
func Supported(contentEncoding string) bool {
	for _, coding := range codings(contentEncoding) {
		if _, ok := decoders[coding]; !ok {
			return false
		}
	}
	return true
}

// NewReader returns a reader that decodes src according to
// contentEncoding, undoing codings in reverse order of application. The
// decoders are created lazily on the first Read, so that a body that is
// never read does not need to be valid. Closing the returned reader closes
// src.
func NewReader(src io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	all := codings(contentEncoding)
	var reader io.ReadCloser = src
	for i := len(all) - 1; i >= 0; i-- {
		newDecoder, ok := decoders[all[i]]
		if !ok {
			return nil, errors.New("unsupported content coding " + all[i])
		}
		reader = &lazyReader{body: reader, newDecoder: newDecoder}
	}
	return reader, nil
}

// Body returns a body that yields the decoded content of src. Trailers of
// src are passed through. The returned body has no size hint.
func Body(src *body.Body, contentEncoding string) (*body.Body, error) {
	reader, err := NewReader(src, contentEncoding)
	if err != nil {
		return nil, err
	}
	sender, decoded := body.Channel()
	go pump(sender, reader, src)
	return decoded, nil
}

func pump(sender *body.Sender, reader io.ReadCloser, src *body.Body) {
	defer func() {
		_ = reader.Close()
	}()
	ctx := context.Background()
	for {
		if err := sender.Ready(ctx); err != nil {
			return
		}
		buf := make([]byte, chunkSize)
		n, err := reader.Read(buf)
		if n > 0 {
			if sendErr := sender.Send(ctx, buf[:n]); sendErr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			_ = sender.End(src.Trailers())
			return
		}
		if err != nil {
			sender.Abort(err)
			return
		}
	}
}

func codings(contentEncoding string) []string {
	var result []string
	for _, coding := range strings.Split(contentEncoding, ",") {
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding == "" || coding == "identity" {
			continue
		}
		if coding == "x-gzip" {
			coding = "gzip"
		}
		result = append(result, coding)
	}
	return result
}

//nolint:gochecknoglobals
var decoders = map[string]func(io.Reader) (io.ReadCloser, error){
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"deflate": newDeflateReader,
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	},
}

// newDeflateReader accepts both the zlib-wrapped stream that "deflate"
// names, and the raw deflate stream that many servers send instead.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	buffered := bufio.NewReader(r)
	header, err := buffered.Peek(2)
	if err == nil && isZlibHeader(header) {
		return zlib.NewReader(buffered)
	}
	return flate.NewReader(buffered), nil
}

func isZlibHeader(header []byte) bool {
	// deflate method, and a check value making the header a multiple of 31
	return header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0
}

type lazyReader struct {
	body       io.ReadCloser
	newDecoder func(io.Reader) (io.ReadCloser, error)
	decoder    io.ReadCloser
	err        error // sticky
}

func (r *lazyReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.decoder == nil {
		decoder, err := r.newDecoder(r.body)
		if err != nil {
			r.err = err
			return 0, err
		}
		r.decoder = decoder
	}
	return r.decoder.Read(p)
}

func (r *lazyReader) Close() error {
	if r.decoder != nil {
		_ = r.decoder.Close()
	}
	r.err = fs.ErrClosed
	return r.body.Close()
}
