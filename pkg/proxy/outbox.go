package proxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"wafproxy/pkg/buffer"
)

const DefaultDrainTimeout = 5 * time.Second

// outbox carries the flushed bytes of one direction to its transport. The
// writes happen on the outbox goroutine, so a peer that stops reading stalls
// that goroutine only and never the session lock. Bytes waiting here or in
// flight count against limit.
type outbox struct {
	t       *transport
	limit   int
	drain   time.Duration
	onError func(error)
	sent    atomic.Int64

	mu       sync.Mutex
	pending  []byte
	inflight int
	ending   bool
	started  bool
	wake     chan struct{}
}

func newOutbox(t *transport, limit int, drain time.Duration, onError func(error)) *outbox {
	return &outbox{
		t:       t,
		limit:   limit,
		drain:   drain,
		onError: onError,
		wake:    make(chan struct{}, 1),
	}
}

// Write queues p for the outbox goroutine. It never waits on the network.
func (o *outbox) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ending {
		return 0, net.ErrClosed
	}
	if queued := len(o.pending) + o.inflight; queued+len(p) > o.limit {
		return 0, fmt.Errorf("%w: %d unsent + %d new > %d", buffer.ErrCapacityExceeded, queued, len(p), o.limit)
	}
	o.pending = append(o.pending, p...)
	o.signal()
	return len(p), nil
}

func (o *outbox) Closing() bool {
	return o == nil || o.t.Closing()
}

// Sent is the number of bytes the peer accepted so far.
func (o *outbox) Sent() int64 {
	if o == nil {
		return 0
	}
	return o.sent.Load()
}

// start runs the writer goroutine, tracked by wg.
func (o *outbox) start(wg *sync.WaitGroup) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.ending {
		return
	}
	o.started = true
	wg.Add(1)
	go o.run(wg)
}

func (o *outbox) run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer o.t.Close()
	for {
		o.mu.Lock()
		p, ending := o.pending, o.ending
		o.pending, o.inflight = nil, len(p)
		o.mu.Unlock()

		if len(p) == 0 {
			if ending {
				return
			}
			<-o.wake
			continue
		}
		n, err := o.t.Write(p)
		o.sent.Add(int64(n))
		o.mu.Lock()
		o.inflight = 0
		o.mu.Unlock()
		if err != nil {
			if !o.t.Closing() {
				o.onError(err)
			}
			// closing the transport lets the reader of this side notice
			return
		}
	}
}

// end closes the transport once the queued bytes are out. A peer that does
// not take them within the drain timeout is cut off.
func (o *outbox) end() {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.ending = true
	started := o.started
	o.mu.Unlock()
	if !started {
		o.t.Close()
		return
	}
	o.t.SetWriteDeadline(time.Now().Add(o.drain))
	o.signal()
}

// abort drops the queued bytes and closes the transport at once.
func (o *outbox) abort() {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.ending = true
	o.pending = nil
	o.mu.Unlock()
	o.t.Close()
	o.signal()
}

// idle reports whether nothing is queued or being written.
func (o *outbox) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) == 0 && o.inflight == 0
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
