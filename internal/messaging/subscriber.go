// Package messaging adapts durable brokers to a single delivery model: a message is handed
// to a handler, which settles it exactly once with Ack or Nak.
package messaging

import (
	"context"
	"strings"
	"time"
)

// Delivery is one received message
type Delivery interface {
	Subject() string
	Data() []byte
	// Source names the stream or subscription the message came from
	Source() string
	// Sequence is the broker position of the message, stable across redeliveries
	Sequence() uint64
	NumDelivered() uint64
	ReceivedAt() time.Time
	Ack(ctx context.Context) error
	Nak(ctx context.Context) error
}

// Handler processes one delivery and settles it
type Handler func(ctx context.Context, d Delivery)

// Subscriber feeds deliveries to a handler, one at a time, until ctx is done
type Subscriber interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// MatchSubject reports whether subject matches pattern. Tokens are dot separated,
// "*" matches exactly one token and a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
		if st[i] == "" {
			return false
		}
	}
	return len(pt) == len(st)
}

// receiveBackoff spaces out retries after consecutive receive failures
type receiveBackoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newReceiveBackoff() *receiveBackoff {
	return &receiveBackoff{min: 250 * time.Millisecond, max: 30 * time.Second}
}

// step returns the next wait and doubles the one after it, up to max
func (b *receiveBackoff) step() time.Duration {
	if b.next < b.min {
		b.next = b.min
	}
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}

func (b *receiveBackoff) reset() {
	b.next = 0
}

// wait sleeps for the next step; false means ctx ended first
func (b *receiveBackoff) wait(ctx context.Context) bool {
	timer := time.NewTimer(b.step())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
