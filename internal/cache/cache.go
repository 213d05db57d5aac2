// Package cache provides the small TTL cache abstraction injected into
// services that memoize slow reads (commission settings, risk summaries).
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a keyed cache with expiry and explicit invalidation.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K)
	Purge()
}

// LRU is a size-bounded cache whose entries expire after a fixed TTL.
type LRU[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewLRU creates an LRU holding at most size entries for ttl each.
// A non-positive size means unbounded.
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *LRU[K, V]) Get(key K) (V, bool) { return c.lru.Get(key) }
func (c *LRU[K, V]) Set(key K, value V)  { c.lru.Add(key, value) }
func (c *LRU[K, V]) Delete(key K)        { c.lru.Remove(key) }
func (c *LRU[K, V]) Purge()              { c.lru.Purge() }
