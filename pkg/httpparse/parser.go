package httpparse

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxLineSize bounds start lines, header lines and chunk size lines.
const MaxLineSize = 64 << 10

var (
	ErrMalformed     = errors.New("malformed http message")
	ErrLineTooLong   = errors.New("http line too long")
	ErrUnexpectedEOF = errors.New("http message truncated")
)

type Kind int

const (
	Request Kind = iota
	Response
)

func (k Kind) String() string {
	if k == Request {
		return "request"
	}
	return "response"
}

// Handler receives the events of one direction. Callbacks run synchronously
// inside Feed, slices passed to them are only valid during the call.
type Handler interface {
	OnURL(url string)
	OnStatus(reason string)
	OnHeader(name, value string)
	OnHeadersComplete()
	OnBody(p []byte)
	OnMessageComplete()
}

type state int

const (
	stateStart state = iota
	stateHeader
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailer
	stateBodyUntilEOF
)

// Parser is an incremental HTTP/1.x tokenizer. Bytes may be fed in arbitrary
// pieces. Lines may end in "\r\n" or a bare "\n".
type Parser struct {
	kind    Kind
	handler Handler
	state   state
	line    []byte
	err     error

	method     string
	version    string
	statusCode int
	reason     string

	contentLength int64
	chunked       bool
	remaining     int64
	skipBody      bool
}

func New(kind Kind, h Handler) *Parser {
	return &Parser{kind: kind, handler: h, contentLength: -1}
}

func (p *Parser) Kind() Kind { return p.kind }

// Method is the request method of the current message.
func (p *Parser) Method() string { return p.method }

// HTTPVersion returns the version of the current message without the
// "HTTP/" prefix, for example "1.1".
func (p *Parser) HTTPVersion() string { return p.version }

func (p *Parser) StatusCode() int { return p.statusCode }

func (p *Parser) Reason() string { return p.reason }

// SkipBody marks the next response as bodiless, as for an answer to HEAD.
func (p *Parser) SkipBody() { p.skipBody = true }

// Feed parses data and fires handler events. After an error the parser is
// unusable and keeps returning it.
func (p *Parser) Feed(data []byte) error {
	if p.err != nil {
		return p.err
	}
	for len(data) > 0 {
		n, err := p.step(data)
		if err != nil {
			p.err = err
			return err
		}
		data = data[n:]
	}
	return nil
}

// Finish signals the end of the stream. A message delimited by connection
// close completes here; any other partial message is an error.
func (p *Parser) Finish() error {
	if p.err != nil {
		return p.err
	}
	switch {
	case p.state == stateBodyUntilEOF:
		p.complete()
		return nil
	case p.state == stateStart && len(p.line) == 0:
		return nil
	}
	p.err = ErrUnexpectedEOF
	return p.err
}

func (p *Parser) step(data []byte) (int, error) {
	switch p.state {
	case stateBodyFixed, stateChunkData:
		n := int64(len(data))
		if n > p.remaining {
			n = p.remaining
		}
		p.handler.OnBody(data[:n])
		p.remaining -= n
		if p.remaining == 0 {
			if p.state == stateBodyFixed {
				p.complete()
			} else {
				p.state = stateChunkEnd
			}
		}
		return int(n), nil
	case stateBodyUntilEOF:
		p.handler.OnBody(data)
		return len(data), nil
	}

	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if len(p.line)+len(data) > MaxLineSize {
			return 0, ErrLineTooLong
		}
		p.line = append(p.line, data...)
		return len(data), nil
	}
	if len(p.line)+i > MaxLineSize {
		return 0, ErrLineTooLong
	}
	p.line = append(p.line, data[:i]...)
	line := string(bytes.TrimSuffix(p.line, []byte{'\r'}))
	p.line = p.line[:0]
	return i + 1, p.onLine(line)
}

func (p *Parser) onLine(line string) error {
	switch p.state {
	case stateStart:
		if line == "" {
			return nil
		}
		return p.startLine(line)
	case stateHeader:
		if line == "" {
			return p.headersDone()
		}
		return p.header(line)
	case stateChunkSize:
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("%w: bad chunk size %q", ErrMalformed, line)
		}
		if size == 0 {
			p.state = stateTrailer
			return nil
		}
		p.remaining = size
		p.state = stateChunkData
	case stateChunkEnd:
		if line != "" {
			return fmt.Errorf("%w: missing chunk terminator", ErrMalformed)
		}
		p.state = stateChunkSize
	case stateTrailer:
		if line == "" {
			p.complete()
		}
	}
	return nil
}

func (p *Parser) startLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if p.kind == Request {
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("%w: request line %q", ErrMalformed, line)
		}
		v, ok := parseVersion(parts[2])
		if !ok {
			return fmt.Errorf("%w: request line %q", ErrMalformed, line)
		}
		p.method, p.version = parts[0], v
		p.state = stateHeader
		p.handler.OnURL(parts[1])
		return nil
	}

	if len(parts) < 2 {
		return fmt.Errorf("%w: status line %q", ErrMalformed, line)
	}
	v, ok := parseVersion(parts[0])
	if !ok {
		return fmt.Errorf("%w: status line %q", ErrMalformed, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 {
		return fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
	}
	p.version, p.statusCode = v, code
	p.reason = ""
	if len(parts) == 3 {
		p.reason = parts[2]
	}
	p.state = stateHeader
	p.handler.OnStatus(p.reason)
	return nil
}

func (p *Parser) header(line string) error {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return fmt.Errorf("%w: header line %q", ErrMalformed, line)
	}
	name := strings.TrimSpace(line[:i])
	value := strings.TrimSpace(line[i+1:])
	switch strings.ToLower(name) {
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: content-length %q", ErrMalformed, value)
		}
		p.contentLength = n
	case "transfer-encoding":
		if strings.EqualFold(lastToken(value), "chunked") {
			p.chunked = true
		}
	}
	p.handler.OnHeader(name, value)
	return nil
}

func (p *Parser) headersDone() error {
	p.handler.OnHeadersComplete()

	switch {
	case p.kind == Response && (p.skipBody || p.statusCode/100 == 1 || p.statusCode == 204 || p.statusCode == 304):
		p.complete()
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBodyFixed
	case p.contentLength == 0 || p.kind == Request:
		p.complete()
	default:
		p.state = stateBodyUntilEOF
	}
	return nil
}

func (p *Parser) complete() {
	p.state = stateStart
	p.contentLength = -1
	p.chunked = false
	p.remaining = 0
	p.skipBody = false
	p.handler.OnMessageComplete()
}

func parseVersion(proto string) (string, bool) {
	if !strings.HasPrefix(proto, "HTTP/") {
		return "", false
	}
	v := proto[len("HTTP/"):]
	if len(v) != 3 || v[1] != '.' || v[0] < '0' || v[0] > '9' || v[2] < '0' || v[2] > '9' {
		return "", false
	}
	return v, true
}

func lastToken(v string) string {
	if i := strings.LastIndexByte(v, ','); i >= 0 {
		v = v[i+1:]
	}
	return strings.TrimSpace(v)
}
