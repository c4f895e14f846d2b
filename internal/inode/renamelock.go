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

import "sync"

// RenameLock is the mount-wide rw-mutex that keeps a loaded inode's path
// stable: readers that need it (Path, diff, checkout classification) hold
// it shared; a rename or move-into/move-out-of-tree operation holds it
// exclusively for the duration of the update. Lock ordering is always
// RenameLock, then TreeInode contents locks ancestor-before-descendant,
// then InodeMap's own mutex.
type RenameLock struct {
	mu sync.RWMutex
}

// NewRenameLock returns a ready-to-use RenameLock.
func NewRenameLock() *RenameLock { return &RenameLock{} }

// RLock acquires the lock for path-stability reads.
func (r *RenameLock) RLock() { r.mu.RLock() }

// RUnlock releases an RLock.
func (r *RenameLock) RUnlock() { r.mu.RUnlock() }

// Lock acquires the lock exclusively for a rename/move.
func (r *RenameLock) Lock() { r.mu.Lock() }

// Unlock releases a Lock.
func (r *RenameLock) Unlock() { r.mu.Unlock() }
