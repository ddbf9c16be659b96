package shard

import (
	"container/heap"
	"context"
	"sync"
)

// EventType ranks coordinator events. Lower values drain first, so a fatal
// close pending alongside routine reconnect housekeeping wins.
type EventType int

const (
	EventClose EventType = iota
	EventReconnect
	EventResume
	EventIdentify
	EventTerminate
	EventCleanClose
)

// EventItem is a recovery decision funneled from a shard to the
// coordinator.
type EventItem struct {
	Type  EventType
	Shard *Shard
	Err   error
}

type eventHeap []EventItem

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Type < h[j].Type }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(EventItem)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// eventQueue is a priority queue with a blocking pop for a single
// consumer.
type eventQueue struct {
	mu    sync.Mutex
	items eventHeap
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		ready: make(chan struct{}, 1),
	}
}

func (q *eventQueue) Put(item EventItem) {
	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) Get(ctx context.Context) (EventItem, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(EventItem)
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return EventItem{}, ctx.Err()
		case <-q.ready:
		}
	}
}
