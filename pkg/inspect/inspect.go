// Package inspect defines the contract between a proxy session and the
// security engine that decides what happens to its traffic.
package inspect

import "net/http"

// NoAction is the verdict status that lets traffic through.
const NoAction = http.StatusOK

// Verdict is what the engine wants done after a checkpoint.
type Verdict struct {
	// Log is written to the security log when not empty.
	Log string
	// URL, when set, turns the verdict into a redirect.
	URL string
	// Status other than NoAction blocks the session.
	Status int
	// Disruptive asks the caller to stop forwarding the current event
	// without closing the session.
	Disruptive bool
}

// Terminal reports whether the verdict ends the session.
func (v Verdict) Terminal() bool {
	return v.URL != "" || (v.Status != 0 && v.Status != NoAction)
}

// Engine creates one Context per proxied connection.
type Engine interface {
	NewContext() (Context, error)
}

// Context receives the traffic of a single connection. Errors are reported
// to the caller for logging and never stop the flow of events.
type Context interface {
	ProcessConnection(clientIP string, clientPort int, localIP string, localPort int) error
	ProcessURI(uri, method, version string) error

	AddRequestHeader(name, value string) error
	ProcessRequestHeaders() error
	AppendRequestBody(p []byte) error
	ProcessRequestBody() error

	AddResponseHeader(name, value string) error
	ProcessResponseHeaders(status int, version string) error
	AppendResponseBody(p []byte) error
	ProcessResponseBody() error

	// Verdict returns the pending verdict, if any, and clears it. Polling
	// twice without new input returns false the second time.
	Verdict() (Verdict, bool)

	Close() error
}
