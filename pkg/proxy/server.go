package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wafproxy/pkg/buffer"
	"wafproxy/pkg/inspect"
)

const DefaultDialTimeout = 10 * time.Second

// Config describes one listener and the target it protects.
type Config struct {
	// Listen is the local host:port to accept clients on.
	Listen string
	// Target is the upstream host:port. The host may be a name.
	Target      string
	TLS         *tls.Config
	DialTimeout time.Duration
	BufferSoft  int
	BufferHard  int
	// DrainTimeout is how long a closing session waits for a peer to take
	// the bytes still queued for it.
	DrainTimeout time.Duration
	Templates    *Templates
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithSecurityLog(l SecurityLog) Option {
	return func(s *Server) { s.seclog = l }
}

func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithRegistry makes the server track its sessions in r.
func WithRegistry(r *Registry) Option {
	return func(s *Server) { s.sessions = r }
}

func withDialer(d dialFunc) Option {
	return func(s *Server) { s.dial = d }
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	cfg      Config
	engine   inspect.Engine
	log      *zap.Logger
	seclog   SecurityLog
	observer Observer
	dial     dialFunc
	sessions *Registry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg Config, engine inspect.Engine, opts ...Option) *Server {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.BufferHard <= 0 {
		cfg.BufferHard = buffer.DefaultHardCapacity
	}
	if cfg.BufferSoft <= 0 {
		cfg.BufferSoft = buffer.DefaultSoftThreshold
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		log:      zap.NewNop(),
		seclog:   nopSecurityLog{},
		observer: nopObserver{},
		sessions: NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		s.dial = d.DialContext
	}
	return s
}

// Sessions returns the registry of live sessions.
func (s *Server) Sessions() *Registry { return s.sessions }

// Listen binds the listening socket. It is called by ListenAndServe and is
// exposed so callers can learn the bound address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %v: %w", s.cfg.Listen, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes the live
// sessions and waits for them.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("proxy: Serve called before Listen")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	scfg := &sessionConfig{
		target:       s.cfg.Target,
		bufferSoft:   s.cfg.BufferSoft,
		bufferHard:   s.cfg.BufferHard,
		templates:    s.cfg.Templates,
		log:          s.log,
		seclog:       s.seclog,
		observer:     s.observer,
		dial:         s.dial,
		drainTimeout: s.cfg.DrainTimeout,
	}
	s.log.Sugar().Infof("WAF proxy is hosting on %v, protecting %v", ln.Addr(), s.cfg.Target)

	var retry time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if temporary(err) {
				retry = backoff(retry)
				s.log.Sugar().Warnf("accept failed: %v, retrying in %v", err, retry)
				time.Sleep(retry)
				continue
			}
			ln.Close()
			s.sessions.Close()
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		retry = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, scfg, c)
		}()
	}

	s.sessions.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, scfg *sessionConfig, c net.Conn) {
	ictx, err := s.engine.NewContext()
	if err != nil {
		s.log.Sugar().Errorf("fail to create inspection context for %v: %v", c.RemoteAddr(), err)
		c.Close()
		return
	}
	sess := newSession(scfg, c, ictx)
	s.sessions.add(sess)
	defer s.sessions.remove(sess)
	sess.Run(ctx)
}

// temporary reports whether an accept error is worth retrying. Running out
// of file descriptors clears up once sessions close.
func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}
