package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"wafproxy/pkg/proxy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSessions struct {
	mu         sync.Mutex
	live       []proxy.SessionInfo
	terminated []int64
}

func (f *fakeSessions) Snapshot() []proxy.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proxy.SessionInfo(nil), f.live...)
}

func (f *fakeSessions) Terminate(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return true
}

func (f *fakeSessions) Terminated() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.terminated...)
}

func startHub(t *testing.T, cfg Config, sessions Sessions) (*Hub, string) {
	t.Helper()
	h := New(cfg, sessions, WithLogger(zaptest.NewLogger(t)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
	return h, "ws://" + ln.Addr().String() + "/ws"
}

func connect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == typ {
			return m.Data
		}
	}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		var count int
		h.clients.Range(func(_, _ any) bool { count++; return true })
		return count == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPushesInterventions(t *testing.T) {
	h, url := startHub(t, Config{SnapshotInterval: time.Hour}, &fakeSessions{})
	conn := connect(t, url)
	waitClients(t, h, 1)

	h.Intervened(proxy.Intervention{Session: 7, Kind: "deny", Status: 403, Client: "10.0.0.1:5000"})

	var got proxy.Intervention
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TopicInterventions), &got))
	assert.Equal(t, int64(7), got.Session)
	assert.Equal(t, "deny", got.Kind)
	assert.Equal(t, 403, got.Status)
}

func TestPushesSessionSnapshots(t *testing.T) {
	sessions := &fakeSessions{live: []proxy.SessionInfo{{ID: 1, Client: "10.0.0.1:5000", State: "relaying"}}}
	_, url := startHub(t, Config{SnapshotInterval: 20 * time.Millisecond}, sessions)
	conn := connect(t, url)

	var got []proxy.SessionInfo
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TopicSessions), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "relaying", got[0].State)
}

func TestEmptySnapshotIsAList(t *testing.T) {
	_, url := startHub(t, Config{SnapshotInterval: 20 * time.Millisecond}, &fakeSessions{})
	conn := connect(t, url)
	assert.JSONEq(t, "[]", string(readUntil(t, conn, TopicSessions)))
}

func TestCloseAction(t *testing.T) {
	sessions := &fakeSessions{}
	h, url := startHub(t, Config{SnapshotInterval: time.Hour}, sessions)
	conn := connect(t, url)
	waitClients(t, h, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "close", "id": 42}))
	assert.Eventually(t, func() bool {
		ids := sessions.Terminated()
		return len(ids) == 1 && ids[0] == 42
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeFiltersTopics(t *testing.T) {
	h, url := startHub(t, Config{SnapshotInterval: 20 * time.Millisecond}, &fakeSessions{})
	conn := connect(t, url)
	waitClients(t, h, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "topics": []string{TopicInterventions}}))
	require.Eventually(t, func() bool {
		var off bool
		h.clients.Range(func(_, v any) bool {
			off = !v.(*subscription).wants(TopicSessions)
			return false
		})
		return off
	}, 2*time.Second, 10*time.Millisecond)

	h.Intervened(proxy.Intervention{Session: 3, Kind: "redirect"})
	var got proxy.Intervention
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TopicInterventions), &got))
	assert.Equal(t, "redirect", got.Kind)
}

func TestTokenRequired(t *testing.T) {
	_, url := startHub(t, Config{Secret: "s3cret", SnapshotInterval: time.Hour}, &fakeSessions{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	connect(t, url+"?token=s3cret")
}

func TestInterventionsDropWhenQueueFull(t *testing.T) {
	h := New(Config{}, &fakeSessions{})
	for i := 0; i < eventQueueSize+3; i++ {
		h.Intervened(proxy.Intervention{Session: int64(i)})
	}
	assert.Equal(t, int64(3), h.Dropped())
}
