package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

type boltEntry struct {
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltCounter keeps counters in a BoltDB bucket for deployments without Redis
type BoltCounter struct {
	db *bolt.DB
}

// NewBoltCounter creates the bucket if needed
func NewBoltCounter(db *bolt.DB) (*BoltCounter, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}
	return &BoltCounter{db: db}, nil
}

func (c *BoltCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	now := time.Now()

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)

		var entry boltEntry
		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				entry = boltEntry{}
			}
		}
		if entry.ExpiresAt.IsZero() || !now.Before(entry.ExpiresAt) {
			entry = boltEntry{ExpiresAt: now.Add(ttl)}
		}

		entry.Count++
		count = entry.Count

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})

	return count, err
}

// Cleanup removes expired counters and returns how many were deleted
func (c *BoltCounter) Cleanup(ctx context.Context) (int, error) {
	deleted := 0
	now := time.Now()

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		var expired [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var entry boltEntry
			if json.Unmarshal(v, &entry) != nil || !now.Before(entry.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
