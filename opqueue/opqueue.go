// Package opqueue implements the priority-ordered, retry-time-aware
// operation queue shared by the serial submitter's pipeline stages (spec
// §4.4), plus the out-of-band retry-request broadcast it listens on.
package opqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/pendingop"
)

// MessageRetryRequest forces next_attempt_after to clear on every queued
// operation matching the identity prefixes in Matching.
type MessageRetryRequest struct {
	Matching config.MatchingList
}

type item struct {
	op    *pendingop.Operation
	index int
}

// heapSlice orders items by (message.nonce asc, next_attempt_after asc),
// the priority rule of spec §3's OperationQueue.
type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	a, b := h[i].op, h[j].op
	if a.Message.Nonce != b.Message.Nonce {
		return a.Message.Nonce < b.Message.Nonce
	}
	return a.NextAttemptAfter.Before(b.NextAttemptAfter)
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *heapSlice) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe min-priority queue of pending operations,
// single-consumer per stage (multiple producers are safe) as spec §5
// mandates.
type Queue struct {
	mu sync.Mutex
	h  heapSlice

	retryFeed event.Feed
	retryScope event.SubscriptionScope
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Push adds op to the queue, optionally overriding its status first.
func (q *Queue) Push(op *pendingop.Operation, statusOverride *domain.Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if statusOverride != nil {
		op.Status = *statusOverride
	}
	heap.Push(&q.h, &item{op: op})
}

// PopMany removes and returns up to n operations in priority order.
func (q *Queue) PopMany(n int) []*pendingop.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*pendingop.Operation, 0, n)
	for len(out) < n && q.h.Len() > 0 {
		it := heap.Pop(&q.h).(*item)
		out = append(out, it.op)
	}
	return out
}

// Len reports the current queue depth, for the submitter-queue-length
// gauges (spec §6).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// SubscribeRetry registers ch to receive MessageRetryRequest broadcasts;
// callers must Unsubscribe (or use the returned Subscription's methods)
// when done.
func (q *Queue) SubscribeRetry(ch chan<- MessageRetryRequest) event.Subscription {
	return q.retryScope.Track(q.retryFeed.Subscribe(ch))
}

// BroadcastRetry publishes req to every subscriber and clears
// NextAttemptAfter on every currently-queued operation matching it, so
// POST /message_retry takes effect immediately even for ops already
// sitting in a queue.
func (q *Queue) BroadcastRetry(req MessageRetryRequest) {
	q.mu.Lock()
	for _, it := range q.h {
		op := it.op
		if req.Matching.Matches(op.Message.Origin, op.Message.Destination, op.Message.Sender, op.Message.Recipient) {
			op.NextAttemptAfter = time.Time{}
		}
	}
	q.mu.Unlock()
	q.retryFeed.Send(req)
}

// Close releases all retry-feed subscriptions.
func (q *Queue) Close() {
	q.retryScope.Close()
}
