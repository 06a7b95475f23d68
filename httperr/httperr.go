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

// Package httperr defines the error taxonomy shared by the codec, the
// dispatcher, the HTTP/2 adapter, and the connection pool.
//
// Every error surfaced by this module that relates to a connection or an
// exchange is an *[Error] carrying a [Kind]. Callers can test for a kind
// using [errors.Is] with one of the sentinel values:
//
//	if errors.Is(err, httperr.ErrConnectionClosed) {
//	    // safe to retry on a fresh connection
//	}
//
// or extract it with [KindOf].
package httperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown = Kind(iota)
	// KindParse is malformed head or framing. Connection-fatal.
	KindParse
	// KindTooLarge is a head, line, or header count that exceeds a bound.
	// Connection-fatal.
	KindTooLarge
	// KindAmbiguousFraming is conflicting body length signals. Connection-fatal.
	KindAmbiguousFraming
	// KindConnectionClosed is a peer EOF or reset. It fails every in-flight
	// exchange on the connection.
	KindConnectionClosed
	// KindCancelled is an exchange that was abandoned, either by its caller
	// or because the connection was aborted on behalf of another exchange.
	KindCancelled
	// KindPoolExhausted means no connection could be made available within
	// the pool's limits.
	KindPoolExhausted
	// KindCheckoutTimeout means a pool checkout did not complete in time.
	KindCheckoutTimeout
	// KindConnect means establishing the transport failed.
	KindConnect
	// KindStream is an HTTP/2 stream-level error; only that exchange fails.
	KindStream
	// KindConnection is an HTTP/2 connection-level error (protocol
	// violation or GOAWAY); all open exchanges on the connection fail.
	KindConnection
	// KindBodyLength means a body did not match its declared length.
	KindBodyLength
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse error"
	case KindTooLarge:
		return "too large"
	case KindAmbiguousFraming:
		return "ambiguous framing"
	case KindConnectionClosed:
		return "connection closed"
	case KindCancelled:
		return "cancelled"
	case KindPoolExhausted:
		return "pool exhausted"
	case KindCheckoutTimeout:
		return "checkout timeout"
	case KindConnect:
		return "connect error"
	case KindStream:
		return "stream error"
	case KindConnection:
		return "connection error"
	case KindBodyLength:
		return "body length mismatch"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

//nolint:gochecknoglobals
var (
	ErrParse            = &Error{Kind: KindParse}
	ErrTooLarge         = &Error{Kind: KindTooLarge}
	ErrAmbiguousFraming = &Error{Kind: KindAmbiguousFraming}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
	ErrCheckoutTimeout  = &Error{Kind: KindCheckoutTimeout}
	ErrConnect          = &Error{Kind: KindConnect}
	ErrStream           = &Error{Kind: KindStream}
	ErrConnection       = &Error{Kind: KindConnection}
	ErrBodyLength       = &Error{Kind: KindBodyLength}
)

// Error is an error with a Kind. Msg describes the failure and Err, if
// non-nil, is the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns an error of the given kind with the given message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is like New but formats the message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind whose cause is err. If err is
// already an *Error of the same kind, it is returned unchanged.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Kind.String() + ": " + e.Msg
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel (an *Error with no message and
// no cause) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConnectionFatal reports whether an error of this kind means the
// connection it occurred on can no longer be used.
func IsConnectionFatal(err error) bool {
	switch KindOf(err) {
	case KindParse, KindTooLarge, KindAmbiguousFraming, KindConnectionClosed, KindConnection, KindBodyLength:
		return true
	default:
		return false
	}
}
