package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

var ErrInvalidPeerInfo = errors.New("invalid peer info")

// transport wraps one side of a session. Close is idempotent and Closing
// turns true as soon as it starts, so buffered bytes are never written to a
// connection that is going away.
type transport struct {
	net.Conn
	closing atomic.Bool
}

func newTransport(c net.Conn) *transport {
	return &transport{Conn: c}
}

func (t *transport) Closing() bool {
	return t == nil || t.closing.Load()
}

func (t *transport) Close() error {
	if t == nil || t.closing.Swap(true) {
		return nil
	}
	return t.Conn.Close()
}

type endpoint struct {
	ip   string
	port int
}

func (e endpoint) String() string {
	return net.JoinHostPort(e.ip, strconv.Itoa(e.port))
}

func parseEndpoint(a net.Addr) (endpoint, error) {
	if a == nil {
		return endpoint{}, fmt.Errorf("%w: missing address", ErrInvalidPeerInfo)
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return endpoint{}, fmt.Errorf("%w: %v", ErrInvalidPeerInfo, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 || net.ParseIP(host) == nil {
		return endpoint{}, fmt.Errorf("%w: %q", ErrInvalidPeerInfo, a.String())
	}
	return endpoint{ip: host, port: p}, nil
}

// peerInfo returns the client and local endpoints of an accepted connection.
func peerInfo(c net.Conn) (client, local endpoint, err error) {
	if client, err = parseEndpoint(c.RemoteAddr()); err != nil {
		return
	}
	local, err = parseEndpoint(c.LocalAddr())
	return
}
