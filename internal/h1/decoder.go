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
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/message"
	"golang.org/x/net/http/httpguts"
)

// Role selects what a Decoder decodes.
type Role int

const (
	// RoleServer decodes requests.
	RoleServer = Role(iota)
	// RoleClient decodes responses.
	RoleClient
)

// EventKind identifies what a call to Decode produced.
type EventKind int

const (
	// EventNeedMore means the buffer does not hold enough bytes to make
	// progress. The caller should append more input and call again.
	EventNeedMore = EventKind(iota)
	EventRequestHead
	EventResponseHead
	// EventData carries body bytes in Event.Data.
	EventData
	// EventEnd means the message body is complete. Trailers, if any, are
	// in Event.Trailers.
	EventEnd
	// EventUpgrade means the connection switched protocols. The decoder
	// will not consume any more bytes.
	EventUpgrade
)

func (k EventKind) String() string {
	switch k {
	case EventNeedMore:
		return "need-more"
	case EventRequestHead:
		return "request-head"
	case EventResponseHead:
		return "response-head"
	case EventData:
		return "data"
	case EventEnd:
		return "end"
	case EventUpgrade:
		return "upgrade"
	default:
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event is the result of a Decode call.
type Event struct {
	Kind EventKind

	// Set for EventRequestHead and EventResponseHead.
	Request  *message.RequestHead
	Response *message.ResponseHead
	Framing  Framing
	// KeepAlive reports whether the connection persists after this
	// message.
	KeepAlive bool
	// ExpectContinue is set on a request head that asked for
	// "100 Continue" before sending its body.
	ExpectContinue bool
	// Upgrade is set on a request head that asks to switch protocols, and
	// on a response head that switched them.
	Upgrade bool

	// Data aliases the buffer passed to Decode; it is only valid until
	// that buffer is reused.
	Data []byte

	Trailers message.Header
}

type decodeState int

const (
	stateHead = decodeState(iota)
	stateLength
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
	stateUntilClose
	stateEnd
	stateUpgraded
	stateFailed
)

// Decoder is an incremental HTTP/1.1 message decoder.
//
// Each call to Decode looks at the start of the given buffer and reports
// how many bytes it consumed. The caller must discard those bytes before
// the next call, even when the event is EventNeedMore. A message may be
// split across calls at any byte boundary.
type Decoder struct {
	role   Role
	limits Limits

	state     decodeState
	remaining int64
	trailers  message.Header
	// method of the request whose response is being decoded
	requestMethod string
	err           error
}

// NewDecoder returns a decoder for the given role.
func NewDecoder(role Role, limits Limits) *Decoder {
	return &Decoder{role: role, limits: limits.withDefaults()}
}

// SetRequestMethod tells a client-role decoder the method of the request
// whose response comes next. It determines, for example, that a response
// to HEAD has no body.
func (d *Decoder) SetRequestMethod(method string) {
	d.requestMethod = method
}

// Idle reports whether the decoder is between messages.
func (d *Decoder) Idle() bool {
	return d.state == stateHead
}

// Upgraded reports whether the decoder stopped due to a protocol switch.
func (d *Decoder) Upgraded() bool {
	return d.state == stateUpgraded
}

// Decode decodes the next event from the start of buf.
func (d *Decoder) Decode(buf []byte) (int, Event, error) {
	consumed := 0
	for {
		n, event, err := d.step(buf[consumed:])
		consumed += n
		if err != nil {
			d.state = stateFailed
			d.err = err
			return consumed, Event{}, err
		}
		if event.Kind != EventNeedMore || n == 0 {
			return consumed, event, nil
		}
	}
}

// DecodeEOF tells the decoder that the input ended, with buffered bytes
// still unconsumed. It returns EventEnd if the message was framed by the
// connection closing, and an error otherwise.
func (d *Decoder) DecodeEOF(buffered int) (Event, error) {
	switch d.state {
	case stateUntilClose, stateEnd:
		d.state = stateHead
		return Event{Kind: EventEnd}, nil
	case stateUpgraded:
		return Event{Kind: EventUpgrade}, nil
	case stateFailed:
		return Event{}, d.err
	case stateHead:
		if buffered == 0 {
			return Event{}, httperr.New(httperr.KindConnectionClosed, "connection closed before message head")
		}
		d.state = stateFailed
		d.err = &httperr.Error{Kind: httperr.KindParse, Msg: "connection closed mid-head", Err: io.ErrUnexpectedEOF}
		return Event{}, d.err
	default:
		d.state = stateFailed
		d.err = &httperr.Error{Kind: httperr.KindConnectionClosed, Msg: "connection closed mid-body", Err: io.ErrUnexpectedEOF}
		return Event{}, d.err
	}
}

func (d *Decoder) step(buf []byte) (int, Event, error) {
	switch d.state {
	case stateHead:
		return d.decodeHead(buf)
	case stateLength, stateChunkData:
		if len(buf) == 0 {
			return 0, Event{}, nil
		}
		n := len(buf)
		if int64(n) > d.remaining {
			n = int(d.remaining)
		}
		d.remaining -= int64(n)
		if d.remaining == 0 {
			if d.state == stateLength {
				d.state = stateEnd
			} else {
				d.state = stateChunkDataEnd
			}
		}
		return n, Event{Kind: EventData, Data: buf[:n]}, nil
	case stateChunkSize:
		return d.decodeChunkSize(buf)
	case stateChunkDataEnd:
		switch {
		case len(buf) == 0:
			return 0, Event{}, nil
		case buf[0] == '\n':
			d.state = stateChunkSize
			return 1, Event{}, nil
		case buf[0] != '\r':
			return 0, Event{}, httperr.New(httperr.KindParse, "missing CRLF after chunk data")
		case len(buf) < 2:
			return 0, Event{}, nil
		case buf[1] != '\n':
			return 0, Event{}, httperr.New(httperr.KindParse, "missing CRLF after chunk data")
		}
		d.state = stateChunkSize
		return 2, Event{}, nil
	case stateTrailers:
		return d.decodeTrailers(buf)
	case stateUntilClose:
		if len(buf) == 0 {
			return 0, Event{}, nil
		}
		return len(buf), Event{Kind: EventData, Data: buf}, nil
	case stateEnd:
		trailers := d.trailers
		d.trailers = message.Header{}
		d.state = stateHead
		return 0, Event{Kind: EventEnd, Trailers: trailers}, nil
	case stateUpgraded:
		return 0, Event{Kind: EventUpgrade}, nil
	default:
		return 0, Event{}, d.err
	}
}

// blockEnd returns the offset just past the empty line that ends a header
// block, or -1 if the block is incomplete.
func blockEnd(buf []byte) int {
	pos := 0
	for {
		idx := bytes.IndexByte(buf[pos:], '\n')
		if idx < 0 {
			return -1
		}
		line := buf[pos : pos+idx]
		pos += idx + 1
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return pos
		}
	}
}

// splitLines splits a complete header block into lines, dropping line
// terminators and the final empty line.
func splitLines(block string) []string {
	lines := strings.Split(block, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		out = append(out, line)
	}
	return out
}

func (d *Decoder) decodeHead(buf []byte) (int, Event, error) {
	// tolerate empty lines before the start line
	switch {
	case len(buf) > 0 && buf[0] == '\n':
		return 1, Event{}, nil
	case len(buf) > 1 && buf[0] == '\r' && buf[1] == '\n':
		return 2, Event{}, nil
	}
	end := blockEnd(buf)
	if end < 0 {
		if len(buf) > d.limits.MaxHeadBytes {
			return 0, Event{}, httperr.Newf(httperr.KindTooLarge, "message head exceeds %d bytes", d.limits.MaxHeadBytes)
		}
		// reject a bad start line without waiting for the rest of the head
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			if err := d.checkStartLine(strings.TrimSuffix(string(buf[:idx]), "\r")); err != nil {
				return 0, Event{}, err
			}
		}
		return 0, Event{}, nil
	}
	if end > d.limits.MaxHeadBytes {
		return 0, Event{}, httperr.Newf(httperr.KindTooLarge, "message head exceeds %d bytes", d.limits.MaxHeadBytes)
	}
	lines := splitLines(string(buf[:end]))
	if len(lines) == 0 {
		return 0, Event{}, httperr.New(httperr.KindParse, "empty start line")
	}
	header, err := parseFields(lines[1:], d.limits.MaxHeaders)
	if err != nil {
		return 0, Event{}, err
	}
	var event Event
	if d.role == RoleServer {
		event, err = d.requestHead(lines[0], header)
	} else {
		event, err = d.responseHead(lines[0], header)
	}
	if err != nil {
		return 0, Event{}, err
	}
	return end, event, nil
}

func parseFields(lines []string, maxFields int) (message.Header, error) {
	if len(lines) > maxFields {
		return message.Header{}, httperr.Newf(httperr.KindTooLarge, "more than %d header fields", maxFields)
	}
	var header message.Header
	for _, line := range lines {
		if line[0] == ' ' || line[0] == '\t' {
			return message.Header{}, httperr.New(httperr.KindParse, "obsolete line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return message.Header{}, httperr.Newf(httperr.KindParse, "invalid header field %q", line)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return message.Header{}, httperr.Newf(httperr.KindParse, "invalid value for header field %q", name)
		}
		header.Add(name, value)
	}
	return header, nil
}

func parseVersion(proto string) (message.Version, bool) {
	if len(proto) != len("HTTP/1.1") || !strings.HasPrefix(proto, "HTTP/") || proto[6] != '.' {
		return message.Version{}, false
	}
	major, minor := proto[5], proto[7]
	if major != '1' || minor < '0' || minor > '9' {
		return message.Version{}, false
	}
	return message.Version{Major: 1, Minor: int(minor - '0')}, true
}

func (d *Decoder) checkStartLine(line string) error {
	var err error
	if d.role == RoleServer {
		_, _, _, err = parseRequestLine(line)
	} else {
		_, _, _, err = parseStatusLine(line)
	}
	return err
}

func parseRequestLine(line string) (method, target string, version message.Version, err error) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || !httpguts.ValidHeaderFieldName(method) || !validTarget(target) {
		return "", "", message.Version{}, httperr.Newf(httperr.KindParse, "malformed request line %q", line)
	}
	version, ok := parseVersion(proto)
	if !ok {
		return "", "", message.Version{}, httperr.Newf(httperr.KindParse, "malformed request line %q", line)
	}
	return method, target, version, nil
}

func (d *Decoder) requestHead(line string, header message.Header) (Event, error) {
	method, target, version, err := parseRequestLine(line)
	if err != nil {
		return Event{}, err
	}
	head := &message.RequestHead{
		Method:    method,
		Target:    target,
		Version:   version,
		Header:    header,
		Authority: header.Get("Host"),
	}
	framing, err := requestFraming(&head.Header)
	if err != nil {
		return Event{}, err
	}
	d.enterBody(framing)
	return Event{
		Kind:           EventRequestHead,
		Request:        head,
		Framing:        framing,
		KeepAlive:      KeepAlive(version, &head.Header),
		ExpectContinue: head.ExpectsContinue() && framing.HasBody(),
		Upgrade:        head.WantsUpgrade(),
	}, nil
}

func validTarget(target string) bool {
	if target == "" {
		return false
	}
	for i := 0; i < len(target); i++ {
		if target[i] <= ' ' || target[i] == 0x7f {
			return false
		}
	}
	return true
}

func requestFraming(header *message.Header) (Framing, error) {
	transferEncoding := header.Values("Transfer-Encoding")
	contentLength := header.Values("Content-Length")
	if len(transferEncoding) > 0 {
		if len(contentLength) > 0 {
			return Framing{}, httperr.New(httperr.KindAmbiguousFraming, "both content-length and transfer-encoding present")
		}
		chunked, err := chunkedIsFinal(transferEncoding)
		if err != nil {
			return Framing{}, err
		}
		if !chunked {
			return Framing{}, httperr.New(httperr.KindParse, "request transfer-encoding does not end in chunked")
		}
		return Framing{Kind: FramingChunked}, nil
	}
	if len(contentLength) > 0 {
		length, err := parseContentLength(contentLength)
		if err != nil {
			return Framing{}, err
		}
		return Framing{Kind: FramingLength, Length: length}, nil
	}
	return Framing{Kind: FramingNone}, nil
}

func parseStatusLine(line string) (version message.Version, status int, reason string, err error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return message.Version{}, 0, "", httperr.Newf(httperr.KindParse, "malformed status line %q", line)
	}
	version, ok = parseVersion(proto)
	if !ok {
		return message.Version{}, 0, "", httperr.Newf(httperr.KindParse, "malformed status line %q", line)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 || strings.TrimLeft(code, "0123456789") != "" {
		return message.Version{}, 0, "", httperr.Newf(httperr.KindParse, "malformed status line %q", line)
	}
	status, _ = strconv.Atoi(code)
	if status < 100 {
		return message.Version{}, 0, "", httperr.Newf(httperr.KindParse, "invalid status code %d", status)
	}
	return version, status, reason, nil
}

func (d *Decoder) responseHead(line string, header message.Header) (Event, error) {
	version, status, reason, err := parseStatusLine(line)
	if err != nil {
		return Event{}, err
	}
	head := &message.ResponseHead{
		Status:  status,
		Reason:  reason,
		Version: version,
		Header:  header,
	}
	event := Event{Kind: EventResponseHead, Response: head}
	isConnect := d.requestMethod == message.MethodConnect
	switch {
	case status == 101 || (isConnect && status >= 200 && status < 300):
		event.Upgrade = true
		d.state = stateUpgraded
		return event, nil
	case status < 200:
		// interim response; the final one follows
		return event, nil
	case d.requestMethod == message.MethodHead || status == 204 || status == 304:
		event.Framing = Framing{Kind: FramingNone}
	default:
		framing, err := responseFraming(&head.Header)
		if err != nil {
			return Event{}, err
		}
		event.Framing = framing
	}
	d.enterBody(event.Framing)
	event.KeepAlive = KeepAlive(version, &head.Header) && event.Framing.Kind != FramingClose
	return event, nil
}

func responseFraming(header *message.Header) (Framing, error) {
	transferEncoding := header.Values("Transfer-Encoding")
	contentLength := header.Values("Content-Length")
	if len(transferEncoding) > 0 {
		if len(contentLength) > 0 {
			return Framing{}, httperr.New(httperr.KindAmbiguousFraming, "both content-length and transfer-encoding present")
		}
		chunked, err := chunkedIsFinal(transferEncoding)
		if err != nil {
			return Framing{}, err
		}
		if !chunked {
			return Framing{Kind: FramingClose}, nil
		}
		return Framing{Kind: FramingChunked}, nil
	}
	if len(contentLength) > 0 {
		length, err := parseContentLength(contentLength)
		if err != nil {
			return Framing{}, err
		}
		return Framing{Kind: FramingLength, Length: length}, nil
	}
	return Framing{Kind: FramingClose}, nil
}

func (d *Decoder) enterBody(framing Framing) {
	d.trailers = message.Header{}
	switch framing.Kind {
	case FramingLength:
		if framing.Length == 0 {
			d.state = stateEnd
			return
		}
		d.state = stateLength
		d.remaining = framing.Length
	case FramingChunked:
		d.state = stateChunkSize
	case FramingClose:
		d.state = stateUntilClose
	default:
		d.state = stateEnd
	}
}

func (d *Decoder) decodeChunkSize(buf []byte) (int, Event, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > d.limits.MaxChunkLine {
			return 0, Event{}, httperr.Newf(httperr.KindTooLarge, "chunk size line exceeds %d bytes", d.limits.MaxChunkLine)
		}
		return 0, Event{}, nil
	}
	if idx+1 > d.limits.MaxChunkLine {
		return 0, Event{}, httperr.Newf(httperr.KindTooLarge, "chunk size line exceeds %d bytes", d.limits.MaxChunkLine)
	}
	line := string(bytes.TrimSuffix(buf[:idx], []byte{'\r'}))
	// chunk extensions are ignored
	sizeText, _, _ := strings.Cut(line, ";")
	sizeText = strings.TrimRight(sizeText, " \t")
	if sizeText == "" || len(sizeText) > 16 {
		return 0, Event{}, httperr.Newf(httperr.KindParse, "invalid chunk size line %q", line)
	}
	size, err := strconv.ParseUint(sizeText, 16, 64)
	if err != nil || size > 1<<62 {
		return 0, Event{}, httperr.Newf(httperr.KindParse, "invalid chunk size line %q", line)
	}
	if size == 0 {
		d.state = stateTrailers
	} else {
		d.state = stateChunkData
		d.remaining = int64(size)
	}
	return idx + 1, Event{}, nil
}

func (d *Decoder) decodeTrailers(buf []byte) (int, Event, error) {
	end := blockEnd(buf)
	if end < 0 {
		if len(buf) > d.limits.MaxHeadBytes {
			return 0, Event{}, httperr.Newf(httperr.KindTooLarge, "trailers exceed %d bytes", d.limits.MaxHeadBytes)
		}
		return 0, Event{}, nil
	}
	if end > d.limits.MaxHeadBytes {
		return 0, Event{}, httperr.Newf(httperr.KindTooLarge, "trailers exceed %d bytes", d.limits.MaxHeadBytes)
	}
	trailers, err := parseFields(splitLines(string(buf[:end])), d.limits.MaxHeaders)
	if err != nil {
		return 0, Event{}, err
	}
	d.trailers = trailers
	d.state = stateEnd
	return end, Event{}, nil
}
