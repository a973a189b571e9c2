package services

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"staydesk.handoff/internal/core/domain"
)

// MemoryQueue is the in-process TransferQueue: a binary heap ordered by
// priority tier, then RequestedAt, then insertion sequence.
type MemoryQueue struct {
	mu     sync.Mutex
	items  requestHeap
	byID   map[string]*queueItem
	byConv map[string]string
	seq    int64
}

type queueItem struct {
	req   *domain.TransferRequest
	index int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byID:   make(map[string]*queueItem),
		byConv: make(map[string]string),
	}
}

// Enqueue adds req. Re-enqueueing the same request is a no-op; a different
// request for an already queued conversation is rejected.
func (q *MemoryQueue) Enqueue(_ context.Context, req *domain.TransferRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[req.ID]; ok {
		return nil
	}
	if other, ok := q.byConv[req.ConversationID]; ok {
		return fmt.Errorf("%w: conversation %s is queued as %s", domain.ErrDuplicateTransfer, req.ConversationID, other)
	}

	q.seq++
	item := &queueItem{req: req.Clone()}
	if item.req.QueueSeq == 0 {
		item.req.QueueSeq = q.seq
	}
	req.QueueSeq = item.req.QueueSeq
	heap.Push(&q.items, item)
	q.byID[req.ID] = item
	q.byConv[req.ConversationID] = req.ID
	return nil
}

func (q *MemoryQueue) DequeueNext(_ context.Context) (*domain.TransferRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, domain.ErrQueueEmpty
	}
	item := heap.Pop(&q.items).(*queueItem)
	q.forget(item.req)
	return item.req.Clone(), nil
}

// PeekOrdered returns copies of every queued request in dequeue order.
func (q *MemoryQueue) PeekOrdered(_ context.Context) ([]*domain.TransferRequest, error) {
	q.mu.Lock()
	snapshot := make(requestHeap, len(q.items))
	for i, item := range q.items {
		snapshot[i] = &queueItem{req: item.req, index: i}
	}
	q.mu.Unlock()

	out := make([]*domain.TransferRequest, 0, len(snapshot))
	for snapshot.Len() > 0 {
		item := heap.Pop(&snapshot).(*queueItem)
		out = append(out, item.req.Clone())
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[requestID]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, item.index)
	q.forget(item.req)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}

func (q *MemoryQueue) forget(req *domain.TransferRequest) {
	delete(q.byID, req.ID)
	if q.byConv[req.ConversationID] == req.ID {
		delete(q.byConv, req.ConversationID)
	}
}

type requestHeap []*queueItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	return queuedBefore(h[i].req, h[j].req)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func queuedBefore(a, b *domain.TransferRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.QueueSeq < b.QueueSeq
}

// MemoryManualQueue parks requests that need a supervisor, oldest first.
type MemoryManualQueue struct {
	mu    sync.Mutex
	order []string
	items map[string]*domain.TransferRequest
}

func NewMemoryManualQueue() *MemoryManualQueue {
	return &MemoryManualQueue{items: make(map[string]*domain.TransferRequest)}
}

func (q *MemoryManualQueue) Add(_ context.Context, req *domain.TransferRequest, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[req.ID]; !ok {
		q.order = append(q.order, req.ID)
	}
	q.items[req.ID] = req.Clone()
	return nil
}

func (q *MemoryManualQueue) List(_ context.Context, propertyID string, offset, limit int) ([]*domain.TransferRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*domain.TransferRequest
	skipped := 0
	for _, id := range q.order {
		req := q.items[id]
		if propertyID != "" && req.PropertyID != propertyID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, req.Clone())
	}
	return out, nil
}

func (q *MemoryManualQueue) Remove(_ context.Context, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[requestID]; !ok {
		return nil
	}
	delete(q.items, requestID)
	for i, id := range q.order {
		if id == requestID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryManualQueue) Count(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}
