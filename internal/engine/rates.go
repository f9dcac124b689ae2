package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charlesng35/dealerpulse/internal/cache"
)

const (
	hourBucketFormat = "2006010215"
	dayBucketFormat  = "20060102"
)

// RateCounter tracks per-user per-channel delivery counts in fixed hourly and
// daily windows. Counters live in the shared cache store so every worker sees
// the same usage regardless of which process dispatched.
type RateCounter struct {
	store cache.Store
}

// NewRateCounter constructs a RateCounter over the given store.
func NewRateCounter(store cache.Store) (*RateCounter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate counter: store is required")
	}
	return &RateCounter{store: store}, nil
}

func hourKey(userID, channel string, now time.Time) string {
	return fmt.Sprintf("rate:%s:%s:h:%s", userID, channel, now.UTC().Format(hourBucketFormat))
}

func dayKey(userID, channel string, now time.Time) string {
	return fmt.Sprintf("rate:%s:%s:d:%s", userID, channel, now.UTC().Format(dayBucketFormat))
}

// Usage returns the delivery counts recorded so far in the current hourly and
// daily windows. Missing buckets read as zero.
func (r *RateCounter) Usage(ctx context.Context, userID, channel string, now time.Time) (hour, day int64, err error) {
	hour, err = r.read(ctx, hourKey(userID, channel, now))
	if err != nil {
		return 0, 0, fmt.Errorf("rate counter: read hour bucket: %w", err)
	}
	day, err = r.read(ctx, dayKey(userID, channel, now))
	if err != nil {
		return 0, 0, fmt.Errorf("rate counter: read day bucket: %w", err)
	}
	return hour, day, nil
}

// Record bumps both windows after a successful dispatch. The TTLs outlive the
// window by a margin so a bucket read near the boundary still resolves.
func (r *RateCounter) Record(ctx context.Context, userID, channel string, now time.Time) error {
	if _, _, err := r.store.IncrementWithTTL(ctx, hourKey(userID, channel, now), 2*time.Hour); err != nil {
		return fmt.Errorf("rate counter: increment hour bucket: %w", err)
	}
	if _, _, err := r.store.IncrementWithTTL(ctx, dayKey(userID, channel, now), 26*time.Hour); err != nil {
		return fmt.Errorf("rate counter: increment day bucket: %w", err)
	}
	return nil
}

func (r *RateCounter) read(ctx context.Context, key string) (int64, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok || len(raw) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", key, err)
	}
	return n, nil
}
