package buffer

import (
	"errors"
	"fmt"
)

const (
	DefaultSoftThreshold = 64 << 10
	DefaultHardCapacity  = 1 << 20
)

// ErrCapacityExceeded is returned when a write would grow the buffer past its
// hard capacity. The buffer content is left untouched.
var ErrCapacityExceeded = errors.New("buffer capacity exceeded")

// Transport is the destination of a flush.
type Transport interface {
	Write(p []byte) (int, error)
	// Closing reports whether the transport no longer accepts writes.
	Closing() bool
}

// Bounded accumulates bytes that are waiting to be written to one side of a
// proxy session.
type Bounded struct {
	data []byte
	soft int
	hard int
}

// New returns an empty buffer. Non-positive limits fall back to the defaults,
// and a soft threshold above the hard capacity is clamped to it.
func New(soft, hard int) *Bounded {
	if hard <= 0 {
		hard = DefaultHardCapacity
	}
	if soft <= 0 {
		soft = DefaultSoftThreshold
	}
	if soft > hard {
		soft = hard
	}
	return &Bounded{soft: soft, hard: hard}
}

func (b *Bounded) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > b.hard {
		return 0, fmt.Errorf("%w: %d buffered + %d new > %d", ErrCapacityExceeded, len(b.data), len(p), b.hard)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *Bounded) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// ResetAndWrite replaces the whole content with p. It is used for synthetic
// responses that must not be mixed with partially forwarded bytes.
func (b *Bounded) ResetAndWrite(p []byte) error {
	if len(p) > b.hard {
		return fmt.Errorf("%w: %d > %d", ErrCapacityExceeded, len(p), b.hard)
	}
	b.data = append(b.data[:0], p...)
	return nil
}

// FlushInto writes the buffered bytes to t and empties the buffer. Nothing
// happens when t is nil or already closing, the bytes stay buffered.
func (b *Bounded) FlushInto(t Transport) (int, error) {
	if t == nil || t.Closing() || len(b.data) == 0 {
		return 0, nil
	}
	n, err := t.Write(b.data)
	b.data = b.data[:0]
	return n, err
}

func (b *Bounded) SoftThresholdReached() bool { return len(b.data) >= b.soft }

func (b *Bounded) HardThresholdReached() bool { return len(b.data) >= b.hard }

func (b *Bounded) Len() int { return len(b.data) }

// Bytes returns the buffered bytes. The slice is only valid until the next
// mutation.
func (b *Bounded) Bytes() []byte { return b.data }

func (b *Bounded) Reset() { b.data = b.data[:0] }
