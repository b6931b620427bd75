// Package monitor streams live sessions and interventions to websocket
// clients.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wafproxy/pkg/proxy"
)

const (
	DefaultSnapshotInterval = 2 * time.Second

	TopicSessions      = "sessions"
	TopicInterventions = "interventions"

	eventQueueSize = 256
	writeTimeout   = 5 * time.Second
)

// Sessions is the view of the proxy the monitor reads and acts on.
type Sessions interface {
	Snapshot() []proxy.SessionInfo
	Terminate(id int64) bool
}

type Config struct {
	Addr string
	// Secret, when set, must be passed as the token query parameter.
	Secret           string
	SnapshotInterval time.Duration
}

// Message is the envelope of everything pushed to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type request struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
	ID     int64    `json:"id"`
}

type subscription struct {
	sessions      bool
	interventions bool
	writeMu       sync.Mutex // guards the topics and writes to the connection
}

func (s *subscription) wants(topic string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	switch topic {
	case TopicSessions:
		return s.sessions
	case TopicInterventions:
		return s.interventions
	}
	return false
}

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.log = l.Sugar() }
}

// Hub fans events out to every connected client. It implements
// proxy.Observer.
type Hub struct {
	cfg      Config
	log      *zap.SugaredLogger
	sessions Sessions
	upgrader websocket.Upgrader
	events   chan Message
	dropped  atomic.Int64

	clients sync.Map // *websocket.Conn -> *subscription
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, sessions Sessions, opts ...Option) *Hub {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	h := &Hub{
		cfg:      cfg,
		log:      zap.NewNop().Sugar(),
		sessions: sessions,
		events:   make(chan Message, eventQueueSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) SessionOpened(proxy.SessionInfo) {}

func (h *Hub) SessionClosed(proxy.SessionInfo) {}

func (h *Hub) Intervened(i proxy.Intervention) {
	select {
	case h.events <- Message{Type: TopicInterventions, Data: i}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped counts interventions lost to a full queue.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Handler serves the websocket endpoint at /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.authorize(h.handleWebSocket))
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
}

func (h *Hub) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve runs the endpoint and the pushers until ctx is done, then
// disconnects every client.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}
	h.log.Infof("monitor is listening on %v", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		h.pushEvents(ctx)
		return nil
	})
	g.Go(func() error {
		h.pushSnapshots(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		h.disconnectAll()
		return err
	})
	return g.Wait()
}

func (h *Hub) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Secret != "" && r.URL.Query().Get("token") != h.cfg.Secret {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("websocket handshake with %v failed: %v", r.RemoteAddr, err)
		return
	}

	sub := &subscription{sessions: true, interventions: true}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.wg.Add(1)
	h.clients.Store(conn, sub)
	h.mu.Unlock()
	defer h.wg.Done()
	defer h.clients.Delete(conn)
	defer conn.Close()

	h.log.Debugf("monitor client %v connected", r.RemoteAddr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			sub.writeMu.Lock()
			sub.sessions = contains(req.Topics, TopicSessions)
			sub.interventions = contains(req.Topics, TopicInterventions)
			sub.writeMu.Unlock()
		case "close":
			ok := h.sessions.Terminate(req.ID)
			h.log.Infof("monitor client %v closed session %v: %v", r.RemoteAddr, req.ID, ok)
		}
	}
}

func contains(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (h *Hub) pushEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.events:
			h.broadcast(m)
		}
	}
}

func (h *Hub) pushSnapshots(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := h.sessions.Snapshot()
			if sessions == nil {
				sessions = []proxy.SessionInfo{}
			}
			h.broadcast(Message{Type: TopicSessions, Data: sessions})
		}
	}
}

func (h *Hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.log.Errorf("encode %v message: %v", m.Type, err)
		return
	}
	h.clients.Range(func(k, v any) bool {
		conn, sub := k.(*websocket.Conn), v.(*subscription)
		if sub.wants(m.Type) {
			h.send(conn, sub, data)
		}
		return true
	})
}

func (h *Hub) send(conn *websocket.Conn, sub *subscription, data []byte) {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// the read loop notices and unregisters
		conn.Close()
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.clients.Range(func(k, _ any) bool {
		k.(*websocket.Conn).Close()
		return true
	})
	h.wg.Wait()
}
