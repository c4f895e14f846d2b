// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inode

import (
	"sync"
	"time"

	"edenfs/internal/core"
)

// attrCacheKey identifies one child lookup result: a (parent, name) pair.
type attrCacheKey struct {
	parent core.InodeNumber
	name   string
}

type attrCacheEntry struct {
	result  LookupResult
	expires time.Time
}

// AttrCache caches GetOrLoadChild's fast-path result keyed by (parent ino,
// name). It is a pure performance layer: diff and checkout never consult
// it, and a miss always falls back to the authoritative Overlay/ObjectStore
// read. Any structural mutation of a directory invalidates that
// directory's entries wholesale rather than tracking per-name staleness.
type AttrCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
	entries map[attrCacheKey]attrCacheEntry
}

// NewAttrCache creates a cache with the given TTL (0 disables expiration)
// and maximum entry count (0 disables the size limit).
func NewAttrCache(ttl time.Duration, maxSize int) *AttrCache {
	return &AttrCache{ttl: ttl, maxSize: maxSize, entries: make(map[attrCacheKey]attrCacheEntry)}
}

// Get returns a cached LookupResult for (parent, name), if present and
// unexpired.
func (c *AttrCache) Get(parent core.InodeNumber, name string) (LookupResult, bool) {
	if c == nil {
		return LookupResult{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[attrCacheKey{parent, name}]
	if !ok {
		return LookupResult{}, false
	}
	if c.ttl > 0 && time.Now().After(e.expires) {
		return LookupResult{}, false
	}
	return e.result, true
}

// Set stores a LookupResult for (parent, name).
func (c *AttrCache) Set(parent core.InodeNumber, name string, res LookupResult) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := attrCacheKey{parent, name}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			return
		}
	}
	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[key] = attrCacheEntry{result: res, expires: expires}
}

// InvalidateDir drops every cached entry belonging to parent, called
// whenever that directory's entries map changes shape (add/remove/rename).
func (c *AttrCache) InvalidateDir(parent core.InodeNumber) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.parent == parent {
			delete(c.entries, k)
		}
	}
}

// Size reports the number of cached entries, for tests.
func (c *AttrCache) Size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
