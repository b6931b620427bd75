package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"wafproxy/pkg/inspect"
	"wafproxy/pkg/key"
	"wafproxy/pkg/waf"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testRuleSet = `
SecRuleEngine On
SecRule REQUEST_URI "@beginsWith /attack.php" "id:1,phase:1,deny,msg:'attack page'"
SecRule REQUEST_URI "@streq /old" "id:2,redirect:http://example.com/new"
SecRule RESPONSE_HEADERS:X-Cache "@streq MISS" "id:3,phase:3,deny"
`

func testEngine(t *testing.T) inspect.Engine {
	t.Helper()
	e := waf.NewEngine()
	require.NoError(t, e.Load("test.conf", strings.NewReader(testRuleSet)))
	return e
}

type upstream struct {
	*httptest.Server
	hits atomic.Int64
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func startProxy(t *testing.T, cfg Config, engine inspect.Engine, opts ...Option) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	srv := NewServer(cfg, engine, opts...)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
	return srv
}

func exchange(t *testing.T, c net.Conn, raw string) string {
	t.Helper()
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	if raw != "" {
		_, err := io.WriteString(c, raw)
		require.NoError(t, err)
	}
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(got)
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	return c
}

func TestServerPassThrough(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", r.URL.Path)
		io.WriteString(w, "hello")
	})
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t))

	raw := exchange(t, dial(t, srv), "GET /hello HTTP/1.1\r\nHost: upstream\r\nUser-Agent: test\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/hello", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int64(1), up.hits.Load())
	assert.Eventually(t, func() bool { return srv.Sessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerPostBody(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write(bytes.ToUpper(b))
	})
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t))

	raw := exchange(t, dial(t, srv), "POST /echo HTTP/1.1\r\nHost: upstream\r\nContent-Length: 5\r\n\r\nquiet")
	assert.True(t, strings.HasSuffix(raw, "QUIET"), raw)
}

func TestServerBlocksURI(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	seclog := &recordingSecLog{}
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t), WithSecurityLog(seclog))

	raw := exchange(t, dial(t, srv), "GET /attack.php HTTP/1.1\r\nHost: upstream\r\n\r\n")

	assert.Equal(t, string(DefaultTemplates().Deny()), raw)
	assert.Zero(t, up.hits.Load())
	entries := seclog.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], `[id "1"]`)
	assert.Contains(t, entries[0], `[msg "attack page"]`)
}

func TestServerRedirect(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t))

	raw := exchange(t, dial(t, srv), "GET /old HTTP/1.1\r\nHost: upstream\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://example.com/new", resp.Header.Get("Location"))
	assert.Zero(t, up.hits.Load())
}

func TestServerBlocksResponseHeader(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "MISS")
		io.WriteString(w, "cached page")
	})
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t))

	raw := exchange(t, dial(t, srv), "GET /page HTTP/1.1\r\nHost: upstream\r\n\r\n")
	assert.Equal(t, string(DefaultTemplates().Deny()), raw)
	assert.NotContains(t, raw, "cached page")
}

func TestServerChunkedResponse(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "part one, ")
		w.(http.Flusher).Flush()
		io.WriteString(w, "part two")
	})
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t))

	raw := exchange(t, dial(t, srv), "GET /stream HTTP/1.1\r\nHost: upstream\r\n\r\n")
	assert.NotContains(t, raw, "chunked")

	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", string(body))
}

func TestServerTargetRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	ln.Close()

	srv := startProxy(t, Config{Target: target, DialTimeout: time.Second}, testEngine(t))
	assert.Empty(t, exchange(t, dial(t, srv), ""))
}

func TestServerShutdownClosesSessions(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	srv := NewServer(Config{Listen: "127.0.0.1:0", Target: up.Listener.Addr().String()}, testEngine(t),
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	c := dial(t, srv)
	defer c.Close()
	_, err := io.WriteString(c, "GET /slow HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Sessions().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := c.Read(make([]byte, 1))
	assert.Zero(t, n)
}

func TestServerTLS(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "over tls")
	})
	pk, err := key.GeneratePK(2048)
	require.NoError(t, err)
	cert, err := key.SelfSigned([]string{"127.0.0.1"}, pk, time.Hour)
	require.NoError(t, err)
	tlsConfig, err := key.ServerTLSConfig(cert, pk)
	require.NoError(t, err)

	srv := startProxy(t, Config{Target: up.Listener.Addr().String(), TLS: tlsConfig}, testEngine(t))
	c, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)

	raw := exchange(t, c, "GET / HTTP/1.1\r\nHost: upstream\r\n\r\n")
	assert.True(t, strings.HasSuffix(raw, "over tls"), raw)
}

type recordingObserver struct {
	mu            sync.Mutex
	opened        []SessionInfo
	closed        []SessionInfo
	interventions []Intervention
}

func (o *recordingObserver) SessionOpened(i SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, i)
}

func (o *recordingObserver) SessionClosed(i SessionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, i)
}

func (o *recordingObserver) Intervened(i Intervention) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interventions = append(o.interventions, i)
}

func TestServerObserver(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	obs := &recordingObserver{}
	srv := startProxy(t, Config{Target: up.Listener.Addr().String()}, testEngine(t), WithObserver(obs))

	exchange(t, dial(t, srv), "GET /attack.php?id=1 HTTP/1.1\r\nHost: upstream\r\n\r\n")
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.closed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.opened, 1)
	require.Len(t, obs.interventions, 1)
	assert.Equal(t, "deny", obs.interventions[0].Kind)
	assert.Equal(t, 403, obs.interventions[0].Status)
	assert.Equal(t, "/attack.php?id=1", obs.closed[0].URL)
	assert.Equal(t, "blocked", obs.closed[0].State)
}

// streamBody answers with a body of declared size and writes up to limit
// bytes of it, then waits for the connection to go away.
func streamBody(size, limit int, written *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		chunk := bytes.Repeat([]byte("x"), 64<<10)
		for written.Load() < int64(limit) {
			n, err := w.Write(chunk)
			written.Add(int64(n))
			if err != nil {
				return
			}
		}
		<-r.Context().Done()
	}
}

func TestServerDropsClientThatStopsReading(t *testing.T) {
	var written atomic.Int64
	up := newUpstream(t, streamBody(1<<30, 256<<20, &written))
	srv := startProxy(t, Config{Target: up.Listener.Addr().String(), BufferHard: 256 << 10}, testEngine(t))

	c := dial(t, srv)
	defer c.Close()
	_, err := io.WriteString(c, "GET /big HTTP/1.1\r\nHost: upstream\r\n\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Sessions().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the registry stays readable while the client write is stuck
	assert.Eventually(t, func() bool {
		return len(srv.Sessions().Snapshot()) == 0 && srv.Sessions().Len() == 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Less(t, written.Load(), int64(256<<20))
}

func TestServerShutdownWithStalledClient(t *testing.T) {
	var written atomic.Int64
	up := newUpstream(t, streamBody(1<<30, 16<<20, &written))
	srv := NewServer(Config{
		Listen:       "127.0.0.1:0",
		Target:       up.Listener.Addr().String(),
		BufferHard:   64 << 20,
		DrainTimeout: 100 * time.Millisecond,
	}, testEngine(t), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	c := dial(t, srv)
	defer c.Close()
	_, err := io.WriteString(c, "GET /big HTTP/1.1\r\nHost: upstream\r\n\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return written.Load() >= 16<<20 }, 10*time.Second, 10*time.Millisecond)

	snapshot := make(chan []SessionInfo, 1)
	go func() { snapshot <- srv.Sessions().Snapshot() }()
	select {
	case infos := <-snapshot:
		require.Len(t, infos, 1)
		assert.Equal(t, "relaying", infos[0].State)
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked")
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// flakyListener fails its first accepts the way a process out of file
// descriptors does.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
	err      error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", l.err)}
	}
	return l.Listener.Accept()
}

func TestServerRetriesOnDescriptorExhaustion(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE} {
		t.Run(errno.Error(), func(t *testing.T) {
			up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "still serving")
			})
			srv := NewServer(Config{Listen: "127.0.0.1:0", Target: up.Listener.Addr().String()}, testEngine(t),
				WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, srv.Listen())
			fl := &flakyListener{Listener: srv.listener, err: errno}
			fl.failures.Store(3)
			srv.listener = fl

			ctx, cancel := context.WithCancel(context.Background())
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve(ctx) }()

			raw := exchange(t, dial(t, srv), "GET / HTTP/1.1\r\nHost: upstream\r\n\r\n")
			assert.True(t, strings.HasSuffix(raw, "still serving"), raw)
			assert.Less(t, fl.failures.Load(), int32(0))

			cancel()
			assert.NoError(t, <-errc)
		})
	}
}

func TestServerStopsOnPermanentAcceptError(t *testing.T) {
	srv := NewServer(Config{Listen: "127.0.0.1:0", Target: "127.0.0.1:1"}, testEngine(t),
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.Listen())
	fl := &flakyListener{Listener: srv.listener, err: syscall.EINVAL}
	fl.failures.Store(1)
	srv.listener = fl
	defer fl.Listener.Close()

	err := srv.Serve(context.Background())
	assert.ErrorIs(t, err, syscall.EINVAL)
}
