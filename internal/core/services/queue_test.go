package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
	"staydesk.handoff/internal/core/domain"
)

var queueEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func queued(id, conv string, p domain.TransferPriority, atSec int) *domain.TransferRequest {
	return &domain.TransferRequest{
		ID:             id,
		ConversationID: conv,
		Priority:       p,
		RequestedAt:    queueEpoch.Add(time.Duration(atSec) * time.Second),
	}
}

func dequeueAll(t *testing.T, q *MemoryQueue) []string {
	t.Helper()
	var ids []string
	for {
		req, err := q.DequeueNext(context.Background())
		if err != nil {
			require.ErrorIs(t, err, domain.ErrQueueEmpty)
			return ids
		}
		ids = append(ids, req.ID)
	}
}

func TestMemoryQueueOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, queued("emergency", "c1", domain.PriorityEmergency, 5)))
	require.NoError(t, q.Enqueue(ctx, queued("normal", "c2", domain.PriorityNormal, 1)))
	require.NoError(t, q.Enqueue(ctx, queued("high", "c3", domain.PriorityHigh, 3)))

	assert.Equal(t, []string{"emergency", "high", "normal"}, dequeueAll(t, q))
}

func TestMemoryQueueFIFOWithinTierAndInsertionTieBreak(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, queued("late", "c1", domain.PriorityHigh, 9)))
	require.NoError(t, q.Enqueue(ctx, queued("same-1", "c2", domain.PriorityHigh, 2)))
	require.NoError(t, q.Enqueue(ctx, queued("same-2", "c3", domain.PriorityHigh, 2)))
	require.NoError(t, q.Enqueue(ctx, queued("early", "c4", domain.PriorityHigh, 1)))

	peek, err := q.PeekOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, peek, 4)
	assert.Equal(t, "early", peek[0].ID)

	assert.Equal(t, []string{"early", "same-1", "same-2", "late"}, dequeueAll(t, q))
}

func TestMemoryQueueDuplicates(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	first := queued("t1", "conv", domain.PriorityNormal, 0)

	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, first), "re-enqueue of the same request is a no-op")

	err := q.Enqueue(ctx, queued("t2", "conv", domain.PriorityHigh, 1))
	assert.ErrorIs(t, err, domain.ErrDuplicateTransfer)

	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, queued(fmt.Sprintf("t%d", i), fmt.Sprintf("c%d", i), domain.PriorityNormal, i)))
	}

	require.NoError(t, q.Remove(ctx, "t2"))
	require.NoError(t, q.Remove(ctx, "missing"))
	// The conversation is free again once its request leaves the queue.
	require.NoError(t, q.Enqueue(ctx, queued("t2b", "c2", domain.PriorityNormal, 10)))

	assert.Equal(t, []string{"t0", "t1", "t3", "t4", "t2b"}, dequeueAll(t, q))
}

func TestMemoryQueuePeekDoesNotDisturbHeap(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(ctx, queued(fmt.Sprintf("t%d", i), fmt.Sprintf("c%d", i), domain.TransferPriority(i%3), 10-i)))
	}
	before, err := q.PeekOrdered(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, before[2].ID))

	after, err := q.PeekOrdered(ctx)
	require.NoError(t, err)
	expected := append(append([]*domain.TransferRequest{}, before[:2]...), before[3:]...)
	require.Len(t, after, len(expected))
	for i := range expected {
		assert.Equal(t, expected[i].ID, after[i].ID)
	}
}

func TestMemoryQueueOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		q := NewMemoryQueue()
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			p := domain.TransferPriority(rapid.IntRange(0, 2).Draw(t, "priority"))
			at := rapid.IntRange(0, 5).Draw(t, "at")
			if err := q.Enqueue(ctx, queued(fmt.Sprintf("t%d", i), fmt.Sprintf("c%d", i), p, at)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}

		var prev *domain.TransferRequest
		for {
			req, err := q.DequeueNext(ctx)
			if err != nil {
				break
			}
			if prev != nil && queuedBefore(req, prev) {
				t.Fatalf("%s (p=%d at=%s seq=%d) dequeued after %s (p=%d at=%s seq=%d)",
					req.ID, req.Priority, req.RequestedAt, req.QueueSeq,
					prev.ID, prev.Priority, prev.RequestedAt, prev.QueueSeq)
			}
			prev = req
		}
	})
}

func TestMemoryManualQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryManualQueue()
	a := &domain.TransferRequest{ID: "a", PropertyID: "p1"}
	b := &domain.TransferRequest{ID: "b", PropertyID: "p2"}
	c := &domain.TransferRequest{ID: "c", PropertyID: "p1"}
	for _, r := range []*domain.TransferRequest{a, b, c} {
		require.NoError(t, q.Add(ctx, r, "no agent"))
	}

	list, err := q.List(ctx, "p1", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	require.NoError(t, q.Remove(ctx, "a"))
	n, _ := q.Count(ctx)
	assert.Equal(t, int64(2), n)

	list, _ = q.List(ctx, "", 1, 10)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].ID)
}
