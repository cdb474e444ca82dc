// Package dedup suppresses duplicate webhook deliveries before they reach the
// database. It is strictly a fast path: false negatives are fine (the order
// repository's conditional transition is the correctness guard) and false
// positives must be impossible for the Redis variant and are tolerated at the
// bloom filter's configured rate only after genuine prior sightings.
//
// Checking and recording are split on purpose. An event id is recorded only
// after the handler acknowledged the delivery with a success: a delivery that
// failed transiently was answered 5xx precisely so the provider redelivers it,
// and that redelivery arrives under the same event id. A check-and-set deduper
// would swallow it.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Deduper tracks successfully handled event ids, best-effort.
//
// Seen never records anything; MarkHandled must only be called once the
// delivery was answered with a success, so a failed delivery's retry is never
// reported as already seen.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkHandled(ctx context.Context, eventID string) error
}

// Nop never suppresses anything.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) MarkHandled(context.Context, string) error  { return nil }

// Bloom is an in-process deduper backed by a bloom filter. It cannot forget,
// so the filter is swapped out wholesale once it has absorbed its estimated
// capacity. Suitable for single-instance deployments.
type Bloom struct {
	mu       sync.Mutex
	filter   *bloom.BloomFilter
	capacity uint
	fpr      float64
	added    uint
}

// NewBloom creates a Bloom deduper sized for the given number of event ids at
// the given false positive rate.
func NewBloom(capacity uint, fpr float64) *Bloom {
	return &Bloom{
		filter:   bloom.NewWithEstimates(capacity, fpr),
		capacity: capacity,
		fpr:      fpr,
	}
}

func (b *Bloom) Seen(_ context.Context, eventID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter.TestString(eventID), nil
}

func (b *Bloom) MarkHandled(_ context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.added >= b.capacity {
		// Reset rather than degrade: a saturated filter's false positive
		// rate climbs unboundedly, and suppressing fresh events is worse
		// than reprocessing old ones.
		b.filter = bloom.NewWithEstimates(b.capacity, b.fpr)
		b.added = 0
	}

	if !b.filter.TestAndAddString(eventID) {
		b.added++
	}
	return nil
}

// Redis is a cross-instance deduper using keys with a TTL. Entries expire
// after the retention window, which should exceed the provider's webhook
// retry horizon.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis deduper with the given retention window.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedup exists")
	}
	return n > 0, nil
}

func (r *Redis) MarkHandled(ctx context.Context, eventID string) error {
	if err := r.client.Set(ctx, eventKey(eventID), 1, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "dedup set")
	}
	return nil
}

func eventKey(eventID string) string {
	return "webhook:event:" + eventID
}

var (
	_ Deduper = Nop{}
	_ Deduper = (*Bloom)(nil)
	_ Deduper = (*Redis)(nil)
)
