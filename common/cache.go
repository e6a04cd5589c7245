// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.
//
// A hashicorp/golang-lru-backed Cache, trimmed to the single LRU
// variant the routing table's findFails tracking needs;
// shard/ARC variants exist upstream for high-churn transaction/block
// caches that have no equivalent here.
package common

import (
	"errors"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a bounded key/value store with LRU eviction.
type Cache interface {
	Add(key, value interface{}) (evicted bool)
	Get(key interface{}) (value interface{}, ok bool)
	Contains(key interface{}) bool
	Remove(key interface{})
	Len() int
	Purge()
}

type lruCache struct {
	lru *lru.Cache
}

func (c *lruCache) Add(key, value interface{}) (evicted bool) { return c.lru.Add(key, value) }
func (c *lruCache) Get(key interface{}) (interface{}, bool)    { return c.lru.Get(key) }
func (c *lruCache) Contains(key interface{}) bool              { return c.lru.Contains(key) }
func (c *lruCache) Remove(key interface{})                     { c.lru.Remove(key) }
func (c *lruCache) Len() int                                   { return c.lru.Len() }
func (c *lruCache) Purge()                                     { c.lru.Purge() }

// NewLRUCache returns a Cache of the given size, or an error if size <= 0.
func NewLRUCache(size int) (Cache, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &lruCache{lru: l}, nil
}
