// Package httpevent fans parser callbacks out to ordered handler lists, one
// list per checkpoint.
package httpevent

import "sync"

type (
	URLHandler    func(url string)
	StatusHandler func(reason string)
	HeaderHandler func(name, value string)
	BodyHandler   func(p []byte)
	SignalHandler func()
)

// Bridge implements httpparse.Handler. Handlers of a checkpoint run in
// registration order. After Disconnect every event is dropped.
type Bridge struct {
	mu                sync.Mutex
	disconnected      bool
	onURL             []URLHandler
	onStatus          []StatusHandler
	onHeader          []HeaderHandler
	onHeadersComplete []SignalHandler
	onBody            []BodyHandler
	onMessageComplete []SignalHandler
}

func New() *Bridge {
	return &Bridge{}
}

func (b *Bridge) HandleURL(h URLHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disconnected {
		b.onURL = append(b.onURL, h)
	}
}

func (b *Bridge) HandleStatus(h StatusHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disconnected {
		b.onStatus = append(b.onStatus, h)
	}
}

func (b *Bridge) HandleHeader(h HeaderHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disconnected {
		b.onHeader = append(b.onHeader, h)
	}
}

func (b *Bridge) HandleHeadersComplete(h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disconnected {
		b.onHeadersComplete = append(b.onHeadersComplete, h)
	}
}

func (b *Bridge) HandleBody(h BodyHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disconnected {
		b.onBody = append(b.onBody, h)
	}
}

func (b *Bridge) HandleMessageComplete(h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disconnected {
		b.onMessageComplete = append(b.onMessageComplete, h)
	}
}

// Disconnect removes every handler. Calling it more than once is harmless.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
	b.onURL = nil
	b.onStatus = nil
	b.onHeader = nil
	b.onHeadersComplete = nil
	b.onBody = nil
	b.onMessageComplete = nil
}

func (b *Bridge) Disconnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnected
}

// snapshot copies a handler list so a handler may call Disconnect without
// deadlocking or mutating the slice being iterated.
func snapshot[T any](b *Bridge, list *[]T) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(*list) == 0 {
		return nil
	}
	return append([]T(nil), *list...)
}

// A handler that disconnects the bridge stops the remaining handlers of the
// same event.

func (b *Bridge) OnURL(url string) {
	for _, h := range snapshot(b, &b.onURL) {
		if b.Disconnected() {
			return
		}
		h(url)
	}
}

func (b *Bridge) OnStatus(reason string) {
	for _, h := range snapshot(b, &b.onStatus) {
		if b.Disconnected() {
			return
		}
		h(reason)
	}
}

func (b *Bridge) OnHeader(name, value string) {
	for _, h := range snapshot(b, &b.onHeader) {
		if b.Disconnected() {
			return
		}
		h(name, value)
	}
}

func (b *Bridge) OnHeadersComplete() {
	for _, h := range snapshot(b, &b.onHeadersComplete) {
		if b.Disconnected() {
			return
		}
		h()
	}
}

func (b *Bridge) OnBody(p []byte) {
	for _, h := range snapshot(b, &b.onBody) {
		if b.Disconnected() {
			return
		}
		h(p)
	}
}

func (b *Bridge) OnMessageComplete() {
	for _, h := range snapshot(b, &b.onMessageComplete) {
		if b.Disconnected() {
			return
		}
		h()
	}
}
