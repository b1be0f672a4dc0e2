package services

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"chorus/presence-service/models"
)

const recordCachePrefix = "presence:record:"

// RecordCacheKey is the invalidation key for a user's durable presence record.
func RecordCacheKey(userID string) string {
	return recordCachePrefix + userID
}

// RecordCache is the node-local cache of durable presence records. Entries expire after ttl even if
// an invalidation is missed.
type RecordCache struct {
	lru *expirable.LRU[string, models.UserPresence]
}

func NewRecordCache(size int, ttl time.Duration) *RecordCache {
	return &RecordCache{
		lru: expirable.NewLRU[string, models.UserPresence](size, nil, ttl),
	}
}

func (c *RecordCache) Get(userID string) (models.UserPresence, bool) {
	return c.lru.Get(userID)
}

func (c *RecordCache) Add(record models.UserPresence) {
	c.lru.Add(record.UserID, record)
}

// Evict removes the entry named by an invalidation key. Unknown key families are ignored.
func (c *RecordCache) Evict(key string) bool {
	userID, ok := strings.CutPrefix(key, recordCachePrefix)
	if !ok {
		return false
	}
	return c.lru.Remove(userID)
}

func (c *RecordCache) Len() int {
	return c.lru.Len()
}
