package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chainmarket/internal/domain"
)

// ListingCache implements domain.ListingCache using Redis string values with
// a TTL. Each listing snapshot is stored as JSON at key "listing:snap:{id}".
type ListingCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewListingCache creates a ListingCache backed by the given Client. A zero
// ttl defaults to one minute.
func NewListingCache(c *Client, ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ListingCache{rdb: c.Underlying(), ttl: ttl}
}

func snapKey(id string) string {
	return "listing:snap:" + id
}

// Get retrieves a cached listing snapshot. It returns domain.ErrNotFound on
// a cache miss.
func (lc *ListingCache) Get(ctx context.Context, id string) (domain.Listing, error) {
	data, err := lc.rdb.Get(ctx, snapKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("redis: get listing snapshot %s: %w", id, err)
	}

	var l domain.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.Listing{}, fmt.Errorf("redis: decode listing snapshot %s: %w", id, err)
	}
	return l, nil
}

// Set stores a listing snapshot with the configured TTL.
func (lc *ListingCache) Set(ctx context.Context, l domain.Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("redis: encode listing snapshot %s: %w", l.ID, err)
	}
	if err := lc.rdb.Set(ctx, snapKey(l.ID), data, lc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set listing snapshot %s: %w", l.ID, err)
	}
	return nil
}

// Invalidate removes a cached listing snapshot.
func (lc *ListingCache) Invalidate(ctx context.Context, id string) error {
	if err := lc.rdb.Del(ctx, snapKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate listing snapshot %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ListingCache = (*ListingCache)(nil)
