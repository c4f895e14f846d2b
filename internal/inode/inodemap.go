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

	"edenfs/internal/core"
)

// loadResult is delivered to every waiter attached to the same in-flight
// load, so all of them observe the identical outcome.
type loadResult struct {
	inode Inode
	err   error
}

// InodeMap coordinates the at-most-one-concurrent-load-per-InodeNumber
// invariant. It does not itself hold inodes:
// the "Loaded" state lives on the owning TreeInode's DirEntry.loaded field,
// protected by that TreeInode's contents lock. InodeMap only tracks which
// InodeNumbers currently have a load in flight and who is waiting on it.
type InodeMap struct {
	mu      sync.Mutex
	loading map[core.InodeNumber][]chan loadResult
}

// NewInodeMap returns an empty InodeMap for one mount's lifetime.
func NewInodeMap() *InodeMap {
	return &InodeMap{loading: make(map[core.InodeNumber][]chan loadResult)}
}

// BeginLoad registers interest in loading ino. The first caller for a given
// InodeNumber becomes the leader (isLeader true) and is responsible for
// calling FinishLoad once the load completes or fails. Every subsequent
// caller before FinishLoad is a follower (isLeader false) and receives the
// leader's result over wait.
func (m *InodeMap) BeginLoad(ino core.InodeNumber) (isLeader bool, wait <-chan loadResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiters, inFlight := m.loading[ino]
	if !inFlight {
		m.loading[ino] = nil
		return true, nil
	}
	ch := make(chan loadResult, 1)
	m.loading[ino] = append(waiters, ch)
	return false, ch
}

// FinishLoad is called exactly once by the leader returned from BeginLoad.
// It broadcasts result to every follower and clears the in-flight marker,
// returning the InodeNumber to implicit Unloaded/Loaded state (which one it
// is is determined by whether result.err is nil, and is recorded by the
// caller on the owning TreeInode's DirEntry, not here).
func (m *InodeMap) FinishLoad(ino core.InodeNumber, result loadResult) {
	m.mu.Lock()
	waiters := m.loading[ino]
	delete(m.loading, ino)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
		close(ch)
	}
}

// IsLoading reports whether ino currently has a load in flight. Exposed for
// tests exercising the concurrent-lookup scenario.
func (m *InodeMap) IsLoading(ino core.InodeNumber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loading[ino]
	return ok
}
