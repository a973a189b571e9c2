package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/ports"
)

// CachedGuestDirectory keeps recently read guest profiles in an in-process
// ristretto cache. Misses are not cached.
type CachedGuestDirectory struct {
	next  ports.GuestDirectory
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// NewCachedGuestDirectory wraps next. maxCostBytes is the maximum total size
// of cached profiles in bytes.
func NewCachedGuestDirectory(next ports.GuestDirectory, maxCostBytes int64, ttl time.Duration) (*CachedGuestDirectory, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 8 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedGuestDirectory{next: next, cache: c, ttl: ttl}, nil
}

func (d *CachedGuestDirectory) Guest(ctx context.Context, guestID string) (*domain.GuestProfile, error) {
	if raw, ok := d.cache.Get(guestID); ok {
		var g domain.GuestProfile
		if err := json.Unmarshal(raw, &g); err == nil {
			return &g, nil
		}
		d.cache.Del(guestID)
	}

	g, err := d.next.Guest(ctx, guestID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(g)
	if err != nil {
		logger.WarnContext(ctx, "Failed to encode guest profile for cache", "guest_id", guestID, "error", err)
		return g, nil
	}
	d.cache.SetWithTTL(guestID, raw, int64(len(raw)), d.ttl)
	return g, nil
}

// Wait blocks until pending cache writes are applied.
func (d *CachedGuestDirectory) Wait() {
	d.cache.Wait()
}

func (d *CachedGuestDirectory) Close() {
	d.cache.Close()
}
