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

// Package inode holds the in-memory working-copy tree: TreeInode,
// FileInode, DirEntry, and the InodeMap load-state coordinator. This is
// the largest and most concurrency-sensitive component of the inode core,
// built around a real in-memory inode graph with lazy loading from an
// ObjectStore.
package inode

import (
	"sync"

	"edenfs/internal/core"
	"edenfs/internal/overlay"
	"edenfs/internal/store"
)

// Services bundles the collaborators every inode in a mount needs:
// the read-only backing store, the read-write overlay, the load-state
// coordinator, and the mount-wide rename lock. Passed down explicitly
// from the mount package rather than made global.
type Services struct {
	Store      store.ObjectStore
	Overlay    overlay.Overlay
	InodeMap   *InodeMap
	RenameLock *RenameLock
	MountCtx   *core.MountContext

	// AttrCache is optional; a nil AttrCache disables fast-path caching
	// entirely (every Get/Set/InvalidateDir call is then a no-op).
	AttrCache *AttrCache
}

func (s *Services) caseSensitive() bool { return s.MountCtx.CaseSensitive }

// Inode is a tagged variant in place of a class hierarchy: every inode is
// either a *TreeInode or a *FileInode.
type Inode interface {
	Number() core.InodeNumber
	Name() string
	Parent() *TreeInode
	isInode()
}

// baseInode holds the fields common to TreeInode and FileInode: identity
// and the non-owning parent back-reference used only to reconstruct paths.
// The back-reference is a plain pointer, since Go's collector already
// handles the parent/child cycle; non-ownership is a matter of convention
// only: the parent's entries map is the sole owning edge.
type baseInode struct {
	ino core.InodeNumber

	locMu  sync.RWMutex
	name   string
	parent *TreeInode
}

func (b *baseInode) Number() core.InodeNumber { return b.ino }

func (b *baseInode) Name() string {
	b.locMu.RLock()
	defer b.locMu.RUnlock()
	return b.name
}

func (b *baseInode) Parent() *TreeInode {
	b.locMu.RLock()
	defer b.locMu.RUnlock()
	return b.parent
}

// relocate updates the cached name/parent after a rename. Callers must
// hold the mount's rename lock exclusively.
func (b *baseInode) relocate(parent *TreeInode, name string) {
	b.locMu.Lock()
	defer b.locMu.Unlock()
	b.parent = parent
	b.name = name
}

// Path reconstructs the full mount-relative path by walking parent
// pointers. The result is only guaranteed stable while the caller holds
// the mount's rename lock: the path of any loaded inode is stable only
// for that duration.
func Path(n Inode) string {
	var parts []string
	cur := n
	for {
		parent := cur.Parent()
		if parent == nil {
			break
		}
		parts = append(parts, cur.Name())
		cur = parent
	}
	if len(parts) == 0 {
		return ""
	}
	// parts were collected leaf-to-root; reverse.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// DirEntry is one child of a TreeInode. Exactly one of SourceID
// (unmaterialized) or the zero ObjectId (materialized) applies; loaded
// caches the child Inode once it has been loaded, protected by the owning
// TreeInode's contents lock.
type DirEntry struct {
	Name     string
	Mode     uint32
	Ino      core.InodeNumber
	Type     core.EntryType
	SourceID core.ObjectId // zero => materialized, contents live in the Overlay
	loaded   Inode
}

// Materialized reports whether this entry's contents live in the Overlay.
func (e *DirEntry) Materialized() bool { return e.SourceID.IsZero() }

func toSnapshot(e *DirEntry) overlay.DirEntrySnapshot {
	return overlay.DirEntrySnapshot{Name: e.Name, Ino: e.Ino, Mode: e.Mode, Type: e.Type, SourceID: e.SourceID}
}

func fromSnapshot(s overlay.DirEntrySnapshot) *DirEntry {
	return &DirEntry{Name: s.Name, Ino: s.Ino, Mode: s.Mode, Type: s.Type, SourceID: s.SourceID}
}
