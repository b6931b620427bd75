package proxy

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Request direction. The request line is held back until the first header
// (or the end of the headers) so the URI is inspected before anything of the
// request reaches the target.

func (s *Session) bindRequestEvents() {
	s.reqEvents.HandleURL(s.onRequestURL)
	s.reqEvents.HandleHeader(s.onRequestHeader)
	s.reqEvents.HandleHeadersComplete(s.onRequestHeadersComplete)
	s.reqEvents.HandleBody(s.onRequestBody)
	s.reqEvents.HandleMessageComplete(s.onRequestMessageComplete)
}

func (s *Session) onRequestURL(url string) {
	s.pendingURL, s.hasPendingURL = url, true
	s.requestStarted = true
	s.method, s.url = s.reqParser.Method(), url
	if s.method == http.MethodHead {
		s.respParser.SkipBody()
	}
}

func (s *Session) processPendingURL() {
	if !s.hasPendingURL {
		return
	}
	s.hasPendingURL = false
	method, version := s.reqParser.Method(), s.reqParser.HTTPVersion()
	s.report("uri", s.ictx.ProcessURI(s.pendingURL, method, version))
	if s.checkpoint() {
		return
	}
	s.forwardToTarget([]byte(fmt.Sprintf("%s %s HTTP/%s\n", method, s.pendingURL, version)))
}

func (s *Session) onRequestHeader(name, value string) {
	if s.processPendingURL(); s.stopped() {
		return
	}
	s.report("request header", s.ictx.AddRequestHeader(name, value))
	if s.checkpoint() {
		return
	}
	if strings.EqualFold(name, "Transfer-Encoding") && isChunked(value) {
		s.requestChunked = true
	}
	s.forwardToTarget([]byte(name + ": " + value + "\n"))
}

func (s *Session) onRequestHeadersComplete() {
	if s.processPendingURL(); s.stopped() {
		return
	}
	s.report("request headers", s.ictx.ProcessRequestHeaders())
	if s.checkpoint() {
		return
	}
	s.forwardToTarget([]byte("\n"))
}

// onRequestBody receives decoded body bytes. A chunked request is framed
// again on the way out.
func (s *Session) onRequestBody(p []byte) {
	s.requestBodySeen = true
	s.report("request body", s.ictx.AppendRequestBody(p))
	s.report("request body", s.ictx.ProcessRequestBody())
	if s.checkpoint() {
		return
	}
	if s.requestChunked {
		chunk := make([]byte, 0, len(p)+16)
		chunk = append(chunk, strconv.FormatInt(int64(len(p)), 16)...)
		chunk = append(chunk, "\r\n"...)
		chunk = append(chunk, p...)
		chunk = append(chunk, "\r\n"...)
		s.forwardToTarget(chunk)
		return
	}
	s.forwardToTarget(p)
}

func (s *Session) onRequestMessageComplete() {
	if !s.requestBodySeen {
		s.report("request body", s.ictx.ProcessRequestBody())
		if s.checkpoint(); s.stopped() {
			return
		}
	}
	if s.requestChunked {
		if s.forwardToTarget([]byte("0\r\n\r\n")); s.stopped() {
			return
		}
	}
	s.requestDone = true
	s.requestBodySeen, s.requestChunked = false, false
	s.flush()
}

// Response direction.

func (s *Session) bindResponseEvents() {
	s.respEvents.HandleStatus(s.onResponseStatus)
	s.respEvents.HandleHeader(s.onResponseHeader)
	s.respEvents.HandleHeadersComplete(s.onResponseHeadersComplete)
	s.respEvents.HandleBody(s.onResponseBody)
	s.respEvents.HandleMessageComplete(s.onResponseMessageComplete)
}

// onResponseStatus reports the status line to the inspector as a header
// named after the protocol, e.g. "HTTP/1.1: 404 Not Found".
func (s *Session) onResponseStatus(reason string) {
	code := s.respParser.StatusCode()
	s.status = code
	name := "HTTP/" + s.respParser.HTTPVersion()
	value := strconv.Itoa(code)
	if reason != "" {
		value += " " + reason
	}
	s.report("status", s.ictx.AddResponseHeader(name, value))
	if s.checkpoint() {
		return
	}
	s.forwardToClient([]byte(name + " " + value + "\n"))
}

// onResponseHeader forwards every header except a bare "chunked" transfer
// coding: the body goes out decoded and the client reads it until close.
func (s *Session) onResponseHeader(name, value string) {
	s.report("response header", s.ictx.AddResponseHeader(name, value))
	if s.checkpoint() {
		return
	}
	if value == "chunked" {
		return
	}
	s.forwardToClient([]byte(name + ": " + value + "\n"))
}

func (s *Session) onResponseHeadersComplete() {
	s.report("response headers", s.ictx.ProcessResponseHeaders(s.respParser.StatusCode(), s.respParser.HTTPVersion()))
	if s.checkpoint() {
		return
	}
	s.forwardToClient([]byte("\n"))
}

func (s *Session) onResponseBody(p []byte) {
	s.report("response body", s.ictx.AppendResponseBody(p))
	s.report("response body", s.ictx.ProcessResponseBody())
	if s.checkpoint() {
		return
	}
	s.forwardToClient(p)
}

func (s *Session) onResponseMessageComplete() {
	s.flush()
	if s.status/100 == 1 && s.status != http.StatusSwitchingProtocols {
		// interim response, the final one follows on the same stream
		return
	}
	s.teardown(true)
}

func isChunked(v string) bool {
	if i := strings.LastIndexByte(v, ','); i >= 0 {
		v = v[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(v), "chunked")
}
