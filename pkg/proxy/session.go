package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wafproxy/pkg/buffer"
	"wafproxy/pkg/httpevent"
	"wafproxy/pkg/httpparse"
	"wafproxy/pkg/inspect"
)

const readBufferSize = 32 << 10

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// sessionConfig is shared by all sessions of a server.
type sessionConfig struct {
	target     string
	bufferSoft int
	bufferHard int
	templates  *Templates
	log        *zap.Logger
	seclog     SecurityLog
	observer   Observer
	dial       dialFunc
	// how long queued bytes may take to reach a closing peer
	drainTimeout time.Duration
}

// Session relays one client connection to the target. Traffic is rebuilt
// from parser events, and every event passes an inspection checkpoint before
// its bytes are queued for the other side.
//
// All state is guarded by mu. The client reader, the target reader and the
// dialer each take it before touching the session, so events of one
// direction are handled in arrival order and never concurrently. No network
// write happens under mu: flushed bytes go to an outbox per direction.
type Session struct {
	id  int64
	cfg *sessionConfig
	log *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	client    *transport
	clientOut *outbox
	targetOut *outbox
	toTarget  *buffer.Bounded
	toClient  *buffer.Bounded
	ictx      inspect.Context

	reqParser  *httpparse.Parser
	respParser *httpparse.Parser
	reqEvents  *httpevent.Bridge
	respEvents *httpevent.Bridge

	clientAddr endpoint
	localAddr  endpoint
	announced  bool

	pendingURL      string
	hasPendingURL   bool
	requestStarted  bool
	requestDone     bool
	requestBodySeen bool
	requestChunked  bool
	clientEOF       bool

	method string
	url    string
	status int
	opened time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func newSession(cfg *sessionConfig, c net.Conn, ictx inspect.Context) *Session {
	s := &Session{
		id:         nextSessionID(),
		cfg:        cfg,
		log:        cfg.log.Sugar(),
		state:      StateCreated,
		client:     newTransport(c),
		toTarget:   buffer.New(cfg.bufferSoft, cfg.bufferHard),
		toClient:   buffer.New(cfg.bufferSoft, cfg.bufferHard),
		ictx:       ictx,
		reqEvents:  httpevent.New(),
		respEvents: httpevent.New(),
		opened:     time.Now(),
		done:       make(chan struct{}),
	}
	s.clientOut = s.newOutbox(s.client)
	s.reqParser = httpparse.New(httpparse.Request, s.reqEvents)
	s.respParser = httpparse.New(httpparse.Response, s.respEvents)
	s.bindRequestEvents()
	s.bindResponseEvents()
	return s
}

func (s *Session) ID() int64 { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session stops. The outboxes may still be draining.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until it is closed, either by the traffic itself or
// by ctx being cancelled.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	if err := s.open(ctx); err != nil {
		s.log.Warnf("[%v] refuse connection from %v: %v", s.id, s.client.RemoteAddr(), err)
	} else {
		s.readClient()
	}
	s.wg.Wait()
	s.finish()
}

// Close flushes what is queued and closes both sides.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown(true)
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:       s.id,
		Client:   s.clientAddr.String(),
		Target:   s.cfg.target,
		State:    s.state.String(),
		Method:   s.method,
		URL:      s.url,
		Status:   s.status,
		Opened:   s.opened,
		ToTarget: s.targetOut.Sent(),
		ToClient: s.clientOut.Sent(),
	}
}

func (s *Session) open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return nil
	}
	s.clientOut.start(&s.wg)

	client, local, err := peerInfo(s.client.Conn)
	if err != nil {
		s.teardown(false)
		return err
	}
	s.clientAddr, s.localAddr = client, local
	s.announced = true
	s.cfg.observer.SessionOpened(s.infoLocked())
	s.log.Debugf("[%v] accepted %v, relaying to %v", s.id, client, s.cfg.target)

	s.report("connection", s.ictx.ProcessConnection(client.ip, client.port, local.ip, local.port))
	if s.checkpoint(); s.stopped() {
		return nil
	}

	s.state = StateAwaitingTarget
	s.wg.Add(1)
	go s.dialTarget(ctx)
	return nil
}

func (s *Session) dialTarget(ctx context.Context) {
	defer s.wg.Done()
	c, err := s.cfg.dial(ctx, "tcp", s.cfg.target)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		if err == nil {
			c.Close()
		}
		return
	}
	if err != nil {
		s.log.Warnf("[%v] fail to connect to target %v: %v", s.id, s.cfg.target, err)
		s.teardown(false)
		return
	}

	t := newTransport(c)
	s.attachTarget(t)
	s.wg.Add(1)
	go s.readTarget(t)
}

// attachTarget starts relaying to a connected target. Request bytes queued
// while dialing go out first.
func (s *Session) attachTarget(t *transport) {
	s.targetOut = s.newOutbox(t)
	s.targetOut.start(&s.wg)
	s.state = StateRelaying
	if s.clientEOF {
		s.state = StateDraining
	}
	s.flushTo(s.toTarget, s.targetOut)
}

func (s *Session) newOutbox(t *transport) *outbox {
	return newOutbox(t, s.cfg.bufferHard, s.cfg.drainTimeout, func(err error) {
		s.log.Debugf("[%v] write to %v failed: %v", s.id, t.RemoteAddr(), err)
	})
}

func (s *Session) readClient() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.client.Read(buf)
		if n > 0 && !s.feed(s.reqParser, buf[:n]) {
			return
		}
		if err != nil {
			s.clientGone(err)
			return
		}
	}
}

func (s *Session) readTarget(t *transport) {
	defer s.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.Read(buf)
		if n > 0 && !s.feed(s.respParser, buf[:n]) {
			return
		}
		if err != nil {
			s.targetGone(err)
			return
		}
	}
}

// feed hands bytes to a parser and reports whether reading should go on.
func (s *Session) feed(p *httpparse.Parser, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return false
	}
	if err := p.Feed(data); err != nil {
		s.log.Warnf("[%v] bad %v from %v: %v", s.id, p.Kind(), s.peerOf(p), err)
		s.teardown(p.Kind() == httpparse.Response)
		return false
	}
	return !s.stopped()
}

func (s *Session) peerOf(p *httpparse.Parser) string {
	if p.Kind() == httpparse.Request {
		return s.clientAddr.String()
	}
	return s.cfg.target
}

// clientGone handles the end of the client stream. A client that sent a
// complete request and then shut down its write side still gets the
// response.
func (s *Session) clientGone(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return
	}
	if errors.Is(err, io.EOF) && s.requestDone && s.reqParser.Finish() == nil {
		s.clientEOF = true
		s.flushTo(s.toTarget, s.targetOut)
		if s.state == StateRelaying {
			s.state = StateDraining
		}
		return
	}
	s.log.Debugf("[%v] client connection lost: %v", s.id, err)
	s.teardown(true)
}

func (s *Session) targetGone(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return
	}
	if errors.Is(err, io.EOF) {
		// a response delimited by the close completes here
		if ferr := s.respParser.Finish(); ferr != nil {
			s.log.Debugf("[%v] target closed mid response: %v", s.id, ferr)
		}
		if s.stopped() {
			return
		}
	} else {
		s.log.Debugf("[%v] target connection lost: %v", s.id, err)
	}
	s.teardown(true)
}

func (s *Session) stopped() bool {
	return s.state.Terminal()
}

// checkpoint polls the inspection context once. A redirect or a block is
// applied right away and ends the session. Otherwise the result tells the
// caller whether to skip forwarding the current event.
func (s *Session) checkpoint() bool {
	v, ok := s.ictx.Verdict()
	if !ok {
		return false
	}
	if v.Log != "" {
		for _, line := range strings.Split(v.Log, "\n") {
			s.cfg.seclog.Write(line)
		}
	}
	switch {
	case v.URL != "":
		s.intervene("redirect", s.cfg.templates.Redirect(v.URL), v)
		return true
	case v.Status != inspect.NoAction && v.Status != 0:
		s.intervene("deny", s.cfg.templates.Deny(), v)
		return true
	}
	return v.Disruptive
}

func (s *Session) intervene(kind string, doc []byte, v inspect.Verdict) {
	s.log.Infof("[%v] %v %v %v %v: status %v %v", s.id, kind, s.clientAddr, s.method, s.url, v.Status, v.URL)
	if err := s.toClient.ResetAndWrite(doc); err != nil {
		s.log.Errorf("[%v] fail to queue %v response: %v", s.id, kind, err)
	}
	s.flush()
	s.cfg.observer.Intervened(Intervention{
		Session: s.id,
		Client:  s.clientAddr.String(),
		Kind:    kind,
		Status:  v.Status,
		URL:     v.URL,
		Log:     v.Log,
		Time:    time.Now(),
	})
	s.shutdown(StateBlocked, true)
}

func (s *Session) report(op string, err error) {
	if err != nil {
		s.log.Warnf("[%v] inspection of %v failed: %v", s.id, op, err)
	}
}

func (s *Session) forwardToTarget(p []byte) {
	s.forward(s.toTarget, s.targetOut, p)
}

func (s *Session) forwardToClient(p []byte) {
	s.forward(s.toClient, s.clientOut, p)
}

func (s *Session) forward(b *buffer.Bounded, o *outbox, p []byte) {
	if _, err := b.Write(p); err != nil {
		s.log.Errorf("[%v] drop session: %v", s.id, err)
		s.teardown(false)
		return
	}
	if b.SoftThresholdReached() {
		s.flushTo(b, o)
	}
}

func (s *Session) flush() {
	s.flushTo(s.toTarget, s.targetOut)
	s.flushTo(s.toClient, s.clientOut)
}

// flushTo hands the buffered bytes to an outbox. A peer that lets its outbox
// fill up is dropped.
func (s *Session) flushTo(b *buffer.Bounded, o *outbox) {
	if _, err := b.FlushInto(o); err != nil {
		s.log.Errorf("[%v] drop session: %v", s.id, err)
		s.teardown(false)
	}
}

// teardown closes both sides. With flush, queued bytes are delivered first.
func (s *Session) teardown(flush bool) {
	if s.stopped() {
		return
	}
	if flush {
		s.flush()
	}
	s.shutdown(StateClosed, flush)
}

func (s *Session) shutdown(final State, drain bool) {
	if s.stopped() {
		return
	}
	s.state = final
	s.reqEvents.Disconnect()
	s.respEvents.Disconnect()
	if drain {
		s.clientOut.end()
		s.targetOut.end()
	} else {
		s.clientOut.abort()
		s.targetOut.abort()
	}
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

func (s *Session) finish() {
	s.report("close", s.ictx.Close())
	info := s.Info()
	if s.announced {
		s.cfg.observer.SessionClosed(info)
	}
	s.log.Infof("[%v] %v %v %v: %v, %v bytes to target, %v bytes to client",
		s.id, info.Client, info.Method, info.URL, info.State, info.ToTarget, info.ToClient)
}
