package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quantbox/internal/logger"
	"quantbox/internal/market"
)

// DropPolicy names what Publish does when a subscriber queue is full.
type DropPolicy string

const (
	// DropNewest discards the incoming tick for that subscriber. Delivery
	// is best-effort at-most-once; a fill opportunity can be missed under
	// sustained load. This is the default.
	DropNewest DropPolicy = "drop-newest"
	// DropOldest evicts the oldest queued tick to make room.
	DropOldest DropPolicy = "drop-oldest"
	// Block waits up to BlockTimeout for queue space, then drops.
	Block DropPolicy = "block"
)

// ParsePolicy maps a config string onto a policy, defaulting to DropNewest.
func ParsePolicy(raw string) (DropPolicy, error) {
	switch DropPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DropNewest:
		return DropNewest, nil
	case DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	default:
		return "", fmt.Errorf("unknown drop policy %q", raw)
	}
}

const defaultQueueSize = 256

// Options configures a PriceBus.
type Options struct {
	QueueSize    int
	Policy       DropPolicy
	BlockTimeout time.Duration
}

// Subscription is one bounded subscriber queue.
type Subscription struct {
	name    string
	ch      chan market.PriceTick
	dropped atomic.Uint64
}

// C returns the receive side of the queue. The channel closes when the
// subscription is removed or the bus shuts down.
func (s *Subscription) C() <-chan market.PriceTick { return s.ch }

// Name identifies the subscriber in logs.
func (s *Subscription) Name() string { return s.name }

// PriceBus fans ticks out to bounded subscriber queues. Publish never
// blocks the publisher beyond the configured policy; slow consumers only
// lose their own ticks.
type PriceBus struct {
	queueSize    int
	policy       DropPolicy
	blockTimeout time.Duration

	// mu is held shared for the full span of Publish, including a Block
	// policy wait, so channels are only closed when no send is in flight.
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
}

func New(opts Options) *PriceBus {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	policy := opts.Policy
	if policy == "" {
		policy = DropNewest
	}
	timeout := opts.BlockTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &PriceBus{
		queueSize:    size,
		policy:       policy,
		blockTimeout: timeout,
		subs:         make(map[*Subscription]bool),
	}
}

// Subscribe registers a named bounded queue.
func (b *PriceBus) Subscribe(name string) *Subscription {
	sub := &Subscription{name: name, ch: make(chan market.PriceTick, b.queueSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	return sub
}

// Unsubscribe removes the queue and closes its channel. Safe against
// concurrent Publish: removal waits for in-flight deliveries to finish.
func (b *PriceBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish fans one tick out to every subscriber, applying the drop policy
// per full queue. The read lock spans delivery so Close and Unsubscribe
// cannot close a channel mid-send.
func (b *PriceBus) Publish(tick market.PriceTick) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		b.deliver(sub, tick)
	}
}

func (b *PriceBus) deliver(sub *Subscription, tick market.PriceTick) {
	select {
	case sub.ch <- tick:
		return
	default:
	}

	switch b.policy {
	case DropOldest:
		for {
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- tick:
				return
			default:
			}
		}
	case Block:
		timer := time.NewTimer(b.blockTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- tick:
		case <-timer.C:
			sub.dropped.Add(1)
			logger.Debugf("bus: dropped tick for %s after %s wait", sub.name, b.blockTimeout)
		}
	default: // DropNewest
		sub.dropped.Add(1)
		logger.Debugf("bus: queue full, dropped tick for %s", sub.name)
	}
}

// Dropped returns how many ticks the subscriber has lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close shuts the bus down and closes every subscriber channel. It waits
// for in-flight publishes, at most one Block timeout.
func (b *PriceBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
