package queue

import (
	"context"
	"sync"

	"alpacabridge/models"
)

// Policy selects what happens when a bounded queue is full.
type Policy int

const (
	// DropOldest evicts the oldest buffered bar to make room. Live feeds
	// use this: a slow consumer should see the freshest market state.
	DropOldest Policy = iota
	// Block makes the producer wait for space or context cancellation.
	Block
)

// Stats counts traffic through a queue.
type Stats struct {
	Sent    int64
	Dropped int64
}

// Bars is a bounded, thread-safe bar queue between a background stream
// listener and the host's polling loop.
type Bars struct {
	ch     chan models.Bar
	policy Policy

	mu    sync.Mutex
	stats Stats

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBars creates a queue holding at most size bars.
func NewBars(size int, policy Policy) *Bars {
	return &Bars{
		ch:     make(chan models.Bar, size),
		policy: policy,
		closed: make(chan struct{}),
	}
}

// Push enqueues one bar. With DropOldest it never blocks; with Block it
// waits until there is room or ctx is done. It reports whether the bar was
// accepted.
func (q *Bars) Push(ctx context.Context, bar models.Bar) bool {
	select {
	case <-q.closed:
		return false
	default:
	}

	if q.policy == Block {
		select {
		case q.ch <- bar:
			q.count(false)
			return true
		case <-ctx.Done():
			return false
		case <-q.closed:
			return false
		}
	}

	for {
		select {
		case q.ch <- bar:
			q.count(false)
			return true
		default:
		}
		// Full: evict the oldest and retry.
		select {
		case <-q.ch:
			q.count(true)
		default:
		}
	}
}

// Pop dequeues the next bar, waiting until one arrives, ctx is done, or the
// queue is closed and drained. The second return is false only when no bar
// was delivered.
func (q *Bars) Pop(ctx context.Context) (models.Bar, bool) {
	select {
	case bar := <-q.ch:
		return bar, true
	default:
	}
	select {
	case bar := <-q.ch:
		return bar, true
	case <-q.closed:
		// Drain anything buffered before reporting closure.
		select {
		case bar := <-q.ch:
			return bar, true
		default:
			return models.Bar{}, false
		}
	case <-ctx.Done():
		return models.Bar{}, false
	}
}

// Len returns the number of buffered bars.
func (q *Bars) Len() int {
	return len(q.ch)
}

// Closed reports whether Close has been called.
func (q *Bars) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Close stops producers; consumers drain the remainder through Pop.
func (q *Bars) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *Bars) count(dropped bool) {
	q.mu.Lock()
	if dropped {
		q.stats.Dropped++
	} else {
		q.stats.Sent++
	}
	q.mu.Unlock()
}

// GetStats returns a copy of the queue counters.
func (q *Bars) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
