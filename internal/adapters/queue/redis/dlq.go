package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"staydesk.handoff/internal/core/domain"
)

const (
	manualKey        = "handoff:manual"
	manualMetaPrefix = "handoff:manual:meta:"
)

// ManualQueue parks transfer requests that automatic dispatch gave up on until
// a supervisor assigns them by hand.
type ManualQueue struct {
	client *redis.Client
	now    func() time.Time
}

type ManualEntry struct {
	Request  *domain.TransferRequest `json:"request"`
	ParkedAt time.Time               `json:"parked_at"`
	Reason   string                  `json:"reason"`
	Attempts int                     `json:"attempts"`
}

func NewManualQueue(client *redis.Client) *ManualQueue {
	return &ManualQueue{client: client, now: time.Now}
}

// Add parks req. Adding an already parked request refreshes its entry but keeps its position.
func (q *ManualQueue) Add(ctx context.Context, req *domain.TransferRequest, reason string) error {
	now := q.now()
	entry := ManualEntry{
		Request:  req,
		ParkedAt: now,
		Reason:   reason,
		Attempts: req.Attempts,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal manual queue entry: %w", err)
	}

	// Oldest first: score is the parking time.
	if err := q.client.ZAddNX(ctx, manualKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: req.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to manual queue: %w", err)
	}

	if err := q.client.Set(ctx, manualMetaPrefix+req.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store manual queue entry: %w", err)
	}
	return nil
}

// Get retrieves a parked request with its parking metadata.
func (q *ManualQueue) Get(ctx context.Context, requestID string) (*ManualEntry, error) {
	data, err := q.client.Get(ctx, manualMetaPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: request %s is not in the manual queue", domain.ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to get manual queue entry: %w", err)
	}

	var entry ManualEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manual queue entry: %w", err)
	}
	return &entry, nil
}

// List returns parked requests of a property, oldest first.
func (q *ManualQueue) List(ctx context.Context, propertyID string, offset, limit int) ([]*domain.TransferRequest, error) {
	ids, err := q.client.ZRange(ctx, manualKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list manual queue: %w", err)
	}

	out := make([]*domain.TransferRequest, 0)
	skipped := 0
	for _, id := range ids {
		entry, err := q.Get(ctx, id)
		if err != nil {
			// Skip if metadata not found
			continue
		}
		if propertyID != "" && entry.Request.PropertyID != propertyID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, entry.Request)
	}
	return out, nil
}

func (q *ManualQueue) Remove(ctx context.Context, requestID string) error {
	if err := q.client.ZRem(ctx, manualKey, requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove from manual queue: %w", err)
	}
	if err := q.client.Del(ctx, manualMetaPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove manual queue entry: %w", err)
	}
	return nil
}

func (q *ManualQueue) Count(ctx context.Context) (int64, error) {
	count, err := q.client.ZCard(ctx, manualKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count manual queue: %w", err)
	}
	return count, nil
}
