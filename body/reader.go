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

package body

import (
	"context"
	"errors"
	"io"

	"github.com/bufbuild/httpengine/message"
)

const readerChunkSize = 32 * 1024

// FromReader returns a body whose chunks are read from r. The reader is
// only read after the consumer asks for the next chunk. If r implements
// io.Closer, it is closed once the body ends or the consumer drops it.
//
// A non-negative size is used as the body's size hint.
func FromReader(r io.Reader, size int64) *Body {
	sender, b := SizedChannel(size)
	go pumpReader(sender, r)
	return b
}

func pumpReader(sender *Sender, r io.Reader) {
	if closer, ok := r.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}
	ctx := context.Background()
	for {
		if err := sender.Ready(ctx); err != nil {
			return
		}
		buf := make([]byte, readerChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := sender.Send(ctx, buf[:n]); sendErr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			_ = sender.End(message.Header{})
			return
		}
		if err != nil {
			sender.Abort(err)
			return
		}
	}
}
