package waf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"wafproxy/pkg/inspect"
)

var ErrClosed = errors.New("waf: transaction closed")

const maxLoggedValue = 128

// transaction is the inspect.Context of one connection.
type transaction struct {
	engine *Engine
	id     string

	mu          sync.Mutex
	closed      bool
	interrupted bool
	fired       map[*Rule]bool
	pending     *inspect.Verdict

	clientIP string
	uri      string
	reqBody  []byte
	respBody []byte
}

func newTransaction(e *Engine) *transaction {
	return &transaction{
		engine: e,
		id:     uuid.NewString(),
		fired:  make(map[*Rule]bool),
	}
}

func (tx *transaction) ID() string { return tx.id }

func (tx *transaction) ProcessConnection(clientIP string, clientPort int, localIP string, localPort int) error {
	return tx.do(func() {
		tx.clientIP = clientIP
		tx.evaluate(RemoteAddr, "", clientIP)
		tx.evaluate(RemotePort, "", strconv.Itoa(clientPort))
		tx.evaluate(ServerAddr, "", localIP)
		tx.evaluate(ServerPort, "", strconv.Itoa(localPort))
	})
}

func (tx *transaction) ProcessURI(uri, method, version string) error {
	return tx.do(func() {
		tx.uri = uri
		tx.evaluate(RequestURI, "", uri)
		tx.evaluate(RequestMethod, "", method)
		tx.evaluate(RequestProtocol, "", "HTTP/"+version)
	})
}

func (tx *transaction) AddRequestHeader(name, value string) error {
	return tx.do(func() {
		tx.evaluate(RequestHeaders, name, value)
		tx.evaluate(RequestHeadersNames, name, name)
	})
}

func (tx *transaction) ProcessRequestHeaders() error {
	return tx.do(func() {})
}

func (tx *transaction) AppendRequestBody(p []byte) error {
	return tx.do(func() {
		if tx.engine.requestBodyAccess {
			tx.reqBody = appendLimited(tx.reqBody, p, tx.engine.requestBodyLimit)
		}
	})
}

func (tx *transaction) ProcessRequestBody() error {
	return tx.do(func() {
		if tx.engine.requestBodyAccess {
			tx.evaluate(RequestBody, "", string(tx.reqBody))
		}
	})
}

func (tx *transaction) AddResponseHeader(name, value string) error {
	return tx.do(func() {
		tx.evaluate(ResponseHeaders, name, value)
	})
}

func (tx *transaction) ProcessResponseHeaders(status int, version string) error {
	return tx.do(func() {
		tx.evaluate(ResponseStatus, "", strconv.Itoa(status))
		tx.evaluate(ResponseProtocol, "", "HTTP/"+version)
	})
}

func (tx *transaction) AppendResponseBody(p []byte) error {
	return tx.do(func() {
		if tx.engine.responseBodyAccess {
			tx.respBody = appendLimited(tx.respBody, p, tx.engine.responseBodyLimit)
		}
	})
}

func (tx *transaction) ProcessResponseBody() error {
	return tx.do(func() {
		if tx.engine.responseBodyAccess {
			tx.evaluate(ResponseBody, "", string(tx.respBody))
		}
	})
}

func (tx *transaction) Verdict() (inspect.Verdict, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.pending == nil {
		return inspect.Verdict{}, false
	}
	v := *tx.pending
	tx.pending = nil
	return v, true
}

func (tx *transaction) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrClosed
	}
	tx.closed = true
	tx.reqBody, tx.respBody = nil, nil
	return nil
}

func (tx *transaction) do(f func()) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrClosed
	}
	f()
	return nil
}

func (tx *transaction) evaluate(collection, key, value string) {
	if tx.engine.mode == ModeOff {
		return
	}
	for _, r := range tx.engine.byCollection[collection] {
		if tx.interrupted {
			return
		}
		if tx.fired[r] {
			continue
		}
		for _, v := range r.Vars {
			if v.Collection != collection || (v.Key != "" && !strings.EqualFold(v.Key, key)) {
				continue
			}
			if r.op.eval(r.transform(value)) {
				tx.fire(r, v, key, value)
				break
			}
		}
	}
}

func (tx *transaction) fire(r *Rule, v Variable, key, value string) {
	tx.fired[r] = true

	verdict := inspect.Verdict{Status: inspect.NoAction}
	var head string
	switch {
	case tx.engine.mode == ModeDetectionOnly || r.action == actionPass:
		head = "Warning."
	case r.action == actionDeny:
		verdict.Status = orDefault(r.status, 403)
		head = fmt.Sprintf("Access denied with code %d (phase %d).", verdict.Status, r.Phase)
	case r.action == actionRedirect:
		verdict.URL = r.redirect
		verdict.Status = orDefault(r.status, 302)
		head = fmt.Sprintf("Access denied with redirection to %s using status %d (phase %d).", r.redirect, verdict.Status, r.Phase)
	case r.action == actionDrop:
		verdict.Disruptive = true
		head = fmt.Sprintf("Access denied with connection close (phase %d).", r.Phase)
	}
	if verdict.Terminal() {
		tx.interrupted = true
	}
	if r.log {
		if key != "" && v.Key == "" {
			v.Key = key
		}
		verdict.Log = tx.message(head, r, v, value)
	}
	if verdict.Log == "" && !verdict.Terminal() && !verdict.Disruptive {
		return
	}
	tx.merge(verdict)
}

func (tx *transaction) merge(v inspect.Verdict) {
	if tx.pending == nil {
		tx.pending = &v
		return
	}
	p := tx.pending
	switch {
	case p.Log == "":
		p.Log = v.Log
	case v.Log != "":
		p.Log += "\n" + v.Log
	}
	if !p.Terminal() && v.Terminal() {
		p.URL, p.Status = v.URL, v.Status
	}
	p.Disruptive = p.Disruptive || v.Disruptive
}

func (tx *transaction) message(head string, r *Rule, v Variable, value string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Matched \"Operator %s against variable %s (Value: %s)\"", head, r.op, v, quote(value))
	tag(&b, "file", r.File)
	tag(&b, "line", strconv.Itoa(r.Line))
	tag(&b, "id", strconv.Itoa(r.ID))
	if r.Msg != "" {
		tag(&b, "msg", r.Msg)
	}
	if r.Severity != "" {
		tag(&b, "severity", r.Severity)
	}
	for _, t := range r.Tags {
		tag(&b, "tag", t)
	}
	tag(&b, "client", tx.clientIP)
	tag(&b, "uri", tx.uri)
	tag(&b, "unique_id", tx.id)
	return b.String()
}

func tag(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, " [%s %s]", name, quote(value))
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

// quote escapes s for a log tag, cutting long values on a rune boundary.
func quote(s string) string {
	if len(s) > maxLoggedValue {
		i := maxLoggedValue
		for i > 0 && !utf8.RuneStart(s[i]) {
			i--
		}
		s = s[:i] + "..."
	}
	return `"` + escaper.Replace(s) + `"`
}

func appendLimited(dst, p []byte, limit int) []byte {
	if room := limit - len(dst); room < len(p) {
		if room <= 0 {
			return dst
		}
		p = p[:room]
	}
	return append(dst, p...)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
