package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
)

const (
	QueueKey      = "handoff:queue"       // ZSET of queue members
	QueueItemsKey = "handoff:queue:items" // HASH request ID -> request JSON
	QueueConvKey  = "handoff:queue:conv"  // HASH conversation ID -> request ID
	QueueSeqKey   = "handoff:queue:seq"
	EventChannel  = "handoff:events"
)

// tierSpan separates priority tiers in the ZSET score; RequestedAt in unix
// milliseconds stays below it until the year 2286.
const tierSpan = 1e13

// RedisAdapter is the shared TransferQueue plus the pub/sub event channel.
// Several server instances can drain the same queue.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(url string) (*RedisAdapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &RedisAdapter{client: client}, client, nil
}

func NewRedisAdapterWithClient(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// member sorts by tier, then RequestedAt (score), then insertion sequence (lexical).
func member(req *domain.TransferRequest) string {
	return fmt.Sprintf("%016d|%s", req.QueueSeq, req.ID)
}

func score(req *domain.TransferRequest) float64 {
	tier := float64(domain.PriorityEmergency - req.Priority)
	return tier*tierSpan + float64(req.RequestedAt.UnixMilli())
}

func memberID(m string) string {
	if i := strings.IndexByte(m, '|'); i >= 0 {
		return m[i+1:]
	}
	return m
}

// Queue Implementation
func (r *RedisAdapter) Enqueue(ctx context.Context, req *domain.TransferRequest) error {
	claimed, err := r.client.HSetNX(ctx, QueueConvKey, req.ConversationID, req.ID).Result()
	if err != nil {
		return err
	}
	if !claimed {
		owner, err := r.client.HGet(ctx, QueueConvKey, req.ConversationID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner == req.ID {
			return nil
		}
		return fmt.Errorf("%w: conversation %s is queued as %s", domain.ErrDuplicateTransfer, req.ConversationID, owner)
	}

	if req.QueueSeq == 0 {
		seq, err := r.client.Incr(ctx, QueueSeqKey).Result()
		if err != nil {
			r.client.HDel(ctx, QueueConvKey, req.ConversationID)
			return err
		}
		req.QueueSeq = seq
	}
	data, err := json.Marshal(req)
	if err != nil {
		r.client.HDel(ctx, QueueConvKey, req.ConversationID)
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, QueueItemsKey, req.ID, data)
		pipe.ZAdd(ctx, QueueKey, redis.Z{Score: score(req), Member: member(req)})
		return nil
	})
	if err != nil {
		r.client.HDel(ctx, QueueConvKey, req.ConversationID)
		return fmt.Errorf("enqueue %s: %w", req.ID, err)
	}
	return nil
}

func (r *RedisAdapter) DequeueNext(ctx context.Context) (*domain.TransferRequest, error) {
	for {
		popped, err := r.client.ZPopMin(ctx, QueueKey, 1).Result()
		if err != nil {
			return nil, err
		}
		if len(popped) == 0 {
			return nil, domain.ErrQueueEmpty
		}
		id := memberID(popped[0].Member.(string))
		req, err := r.item(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue // removed concurrently
		}
		if err != nil {
			return nil, err
		}
		r.forget(ctx, req)
		return req, nil
	}
}

// PeekOrdered returns every queued request in dequeue order without removing any.
func (r *RedisAdapter) PeekOrdered(ctx context.Context) ([]*domain.TransferRequest, error) {
	members, err := r.client.ZRange(ctx, QueueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = memberID(m)
	}
	raw, err := r.client.HMGet(ctx, QueueItemsKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*domain.TransferRequest, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var req domain.TransferRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			logger.WarnContext(ctx, "Skipping undecodable queue entry", "transfer_id", ids[i], "error", err)
			continue
		}
		out = append(out, &req)
	}
	return out, nil
}

func (r *RedisAdapter) Remove(ctx context.Context, requestID string) error {
	req, err := r.item(ctx, requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.ZRem(ctx, QueueKey, member(req)).Err(); err != nil {
		return err
	}
	r.forget(ctx, req)
	return nil
}

func (r *RedisAdapter) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, QueueKey).Result()
	return int(n), err
}

func (r *RedisAdapter) item(ctx context.Context, id string) (*domain.TransferRequest, error) {
	data, err := r.client.HGet(ctx, QueueItemsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: queued request %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var req domain.TransferRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode queued request %s: %w", id, err)
	}
	return &req, nil
}

func (r *RedisAdapter) forget(ctx context.Context, req *domain.TransferRequest) {
	r.client.HDel(ctx, QueueItemsKey, req.ID)
	owner, err := r.client.HGet(ctx, QueueConvKey, req.ConversationID).Result()
	if err == nil && owner == req.ID {
		r.client.HDel(ctx, QueueConvKey, req.ConversationID)
	}
}

// PubSub Implementation
func (r *RedisAdapter) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, EventChannel, data).Err()
}

// Subscribe streams events published by any instance until ctx is cancelled.
func (r *RedisAdapter) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := r.client.Subscribe(ctx, EventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", EventChannel, err)
	}
	ch := make(chan domain.Event, 64)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

