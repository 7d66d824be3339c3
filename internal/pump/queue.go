// Package pump moves decoded output from a codec context into a bounded
// per-media queue on its own goroutine, so neither fragment arrival nor
// the render loop ever waits on the decoder.
package pump

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/nanodec/internal/media"
)

// Policy decides what Push does when the queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued unit to make room. Latency
	// stays bounded; the consumer loses the units it was too slow for.
	DropOldest Policy = iota
	// Block makes the producer wait until the consumer frees a slot.
	Block
)

func (p Policy) String() string {
	if p == Block {
		return "block"
	}
	return "drop-oldest"
}

// ParsePolicy parses "drop-oldest" or "block".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	}
	return 0, fmt.Errorf("pump: unknown queue policy %q", s)
}

// Queue is a bounded FIFO of decoded units. Len never exceeds Cap.
type Queue struct {
	ch      chan *media.DecodedUnit
	policy  Policy
	pushMu  sync.Mutex
	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most size units.
func NewQueue(size int, policy Policy) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		ch:     make(chan *media.DecodedUnit, size),
		policy: policy,
	}
}

// Push appends u. Under Block it waits for room and returns ctx.Err() if
// ctx ends first; under DropOldest it never waits.
func (q *Queue) Push(ctx context.Context, u *media.DecodedUnit) error {
	if q.policy == Block {
		select {
		case q.ch <- u:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	for {
		select {
		case q.ch <- u:
			return nil
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// TryPop returns the oldest unit without blocking.
func (q *Queue) TryPop() (*media.DecodedUnit, bool) {
	select {
	case u := <-q.ch:
		return u, true
	default:
		return nil, false
	}
}

// C exposes the queue for select-based consumers.
func (q *Queue) C() <-chan *media.DecodedUnit {
	return q.ch
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the number of units evicted under DropOldest.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Policy returns the overflow policy.
func (q *Queue) Policy() Policy { return q.policy }
