package proxy

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var sessionSeq atomic.Int64

func nextSessionID() int64 {
	return sessionSeq.Add(1)
}

// State is the lifecycle position of a session.
type State int

const (
	StateCreated State = iota
	StateAwaitingTarget
	StateRelaying
	StateDraining
	StateClosed
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingTarget:
		return "awaiting-target"
	case StateRelaying:
		return "relaying"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateBlocked:
		return "blocked"
	}
	return "unknown"
}

// Terminal reports whether the session has stopped forwarding for good.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateBlocked
}

// SessionInfo is a point in time view of a session.
type SessionInfo struct {
	ID       int64     `json:"id"`
	Client   string    `json:"client"`
	Target   string    `json:"target"`
	State    string    `json:"state"`
	Method   string    `json:"method,omitempty"`
	URL      string    `json:"url,omitempty"`
	Status   int       `json:"status,omitempty"`
	Opened   time.Time `json:"opened"`
	ToTarget int64     `json:"to_target"`
	ToClient int64     `json:"to_client"`
}

// Intervention describes a verdict that ended a session.
type Intervention struct {
	Session int64     `json:"session"`
	Client  string    `json:"client"`
	Kind    string    `json:"kind"`
	Status  int       `json:"status"`
	URL     string    `json:"url,omitempty"`
	Log     string    `json:"log,omitempty"`
	Time    time.Time `json:"time"`
}

// Observer is told about session lifecycle events. Implementations must not
// block, most calls are made with the session locked.
type Observer interface {
	SessionOpened(SessionInfo)
	SessionClosed(SessionInfo)
	Intervened(Intervention)
}

// SecurityLog receives the log messages of verdicts.
type SecurityLog interface {
	Write(entry string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(SessionInfo) {}
func (nopObserver) SessionClosed(SessionInfo) {}
func (nopObserver) Intervened(Intervention)   {}

type nopSecurityLog struct{}

func (nopSecurityLog) Write(string) {}

// Registry tracks live sessions.
type Registry struct {
	sessions sync.Map // int64 -> *Session
	count    atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(s *Session) {
	r.sessions.Store(s.id, s)
	r.count.Add(1)
}

func (r *Registry) remove(s *Session) {
	if _, ok := r.sessions.LoadAndDelete(s.id); ok {
		r.count.Add(-1)
	}
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Snapshot lists the live sessions ordered by id.
func (r *Registry) Snapshot() []SessionInfo {
	var out []SessionInfo
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every live session.
func (r *Registry) Close() {
	r.sessions.Range(func(_, v any) bool {
		v.(*Session).Close()
		return true
	})
}

// Terminate closes the live session with the given id.
func (r *Registry) Terminate(id int64) bool {
	v, ok := r.sessions.Load(id)
	if ok {
		v.(*Session).Close()
	}
	return ok
}
