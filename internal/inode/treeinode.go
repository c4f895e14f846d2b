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
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"edenfs/internal/common"
	"edenfs/internal/core"
	"edenfs/internal/overlay"
)

// TreeInode is a loaded directory. Its contents lock
// (contentsMu) guards the entries map and the materialization flag
// (sourceID); lock ordering with respect to other TreeInodes is always
// ancestor before descendant, and the mount's RenameLock is always
// acquired, if at all, before any contents lock.
type TreeInode struct {
	baseInode

	svc *Services

	contentsMu sync.RWMutex
	entries    map[string]*DirEntry
	sourceID   core.ObjectId // zero => materialized (entries persisted in the Overlay)
}

// NewRoot constructs the mount root TreeInode. root is the Tree the mount
// currently checks out (nil for a fully materialized/empty root).
func NewRoot(svc *Services, root *TreeEntrySource) (*TreeInode, error) {
	t := &TreeInode{svc: svc}
	t.ino = core.RootInodeNumber
	if root == nil {
		t.entries = make(map[string]*DirEntry)
		return t, nil
	}
	t.sourceID = root.ID
	t.entries = nil // populated lazily on first load, see ensureEntriesLoadedLocked
	return t, nil
}

func (t *TreeInode) isInode() {}

// TreeEntrySource identifies the immutable Tree a TreeInode currently
// mirrors before it has been loaded.
type TreeEntrySource struct {
	ID core.ObjectId
}

// ensureEntriesLoadedLocked populates t.entries the first time it is
// touched, either from the Overlay (materialized) or the ObjectStore
// (unmaterialized). Callers must hold contentsMu for writing.
func (t *TreeInode) ensureEntriesLoadedLocked(ctx context.Context) error {
	if t.entries != nil {
		return nil
	}
	if t.sourceID.IsZero() {
		has, err := t.svc.Overlay.HasDir(ctx, t.ino)
		if err != nil {
			return err
		}
		if !has {
			t.entries = make(map[string]*DirEntry)
			return nil
		}
		contents, err := t.svc.Overlay.LoadDir(ctx, t.ino)
		if err != nil {
			return err
		}
		t.entries = make(map[string]*DirEntry, len(contents.Entries))
		for _, s := range contents.Entries {
			t.entries[s.Name] = fromSnapshot(s)
		}
		return nil
	}

	tree, err := t.svc.Store.GetTree(ctx, t.sourceID)
	if err != nil {
		return err
	}
	entries := make(map[string]*DirEntry, len(tree.Entries))
	for _, te := range tree.Entries {
		ino, err := t.svc.Overlay.AllocateInodeNumber(ctx)
		if err != nil {
			return err
		}
		entries[te.Name] = &DirEntry{Name: te.Name, Ino: ino, Type: te.Type, SourceID: te.ID}
	}
	t.entries = entries
	return nil
}

// snapshotContentsLocked builds the persisted representation of this
// directory's entries. Callers must hold contentsMu.
func (t *TreeInode) snapshotContentsLocked() overlay.DirContents {
	out := make([]overlay.DirEntrySnapshot, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, toSnapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return overlay.DirContents{Entries: out}
}

// lookupEntryLocked finds a child by name, honoring the mount's case
// sensitivity. Callers must hold contentsMu for reading at least.
func (t *TreeInode) lookupEntryLocked(name string) (*DirEntry, bool) {
	if e, ok := t.entries[name]; ok {
		return e, true
	}
	if t.svc.caseSensitive() {
		return nil, false
	}
	for k, e := range t.entries {
		if common.EqualNames(k, name, false) {
			return e, true
		}
	}
	return nil, false
}

// IsMaterialized reports whether this directory's contents live in the
// Overlay rather than being mirrored, unread, from the ObjectStore.
func (t *TreeInode) IsMaterialized() bool {
	t.contentsMu.RLock()
	defer t.contentsMu.RUnlock()
	return t.sourceID.IsZero()
}

// SourceID returns the ObjectId this directory currently mirrors, or the
// zero ObjectId if materialized.
func (t *TreeInode) SourceID() core.ObjectId {
	t.contentsMu.RLock()
	defer t.contentsMu.RUnlock()
	return t.sourceID
}

// ListEntries returns a stable-ordered snapshot of this directory's
// entries, loading them from the Overlay/ObjectStore first if needed. It
// does not load any child inode.
func (t *TreeInode) ListEntries(ctx context.Context) ([]DirEntry, error) {
	t.contentsMu.Lock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		t.contentsMu.Unlock()
		return nil, err
	}
	out := make([]DirEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.contentsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// childMaterialized is invoked by a child once its own contents have been
// persisted to the Overlay, to update this directory's DirEntry for that
// child and, transitively, materialize this directory too:
// materialization propagates toward the root.
func (t *TreeInode) childMaterialized(ctx context.Context, name string) error {
	t.contentsMu.Lock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		t.contentsMu.Unlock()
		return err
	}
	if e, ok := t.lookupEntryLocked(name); ok {
		e.SourceID = core.ObjectId{}
	}
	t.contentsMu.Unlock()
	return t.Materialize(ctx)
}

// Materialize converts this directory from mirroring an ObjectStore Tree
// to owning its contents in the Overlay, then recursively materializes its
// parent. Idempotent: materializing an already-materialized
// directory is a no-op.
func (t *TreeInode) Materialize(ctx context.Context) error {
	t.contentsMu.Lock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		t.contentsMu.Unlock()
		return err
	}
	if t.sourceID.IsZero() {
		t.contentsMu.Unlock()
		return nil
	}
	t.sourceID = core.ObjectId{}
	contents := t.snapshotContentsLocked()
	err := t.svc.Overlay.SaveDir(ctx, t.ino, contents)
	t.contentsMu.Unlock()
	if err != nil {
		return fmt.Errorf("edenfs/inode: materialize dir %d: %w", t.ino, err)
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[inode] materialized dir ino=%d", t.ino)
	}

	parent := t.Parent()
	if parent == nil {
		return nil
	}
	return parent.childMaterialized(ctx, t.Name())
}

// TryDematerialize converts this directory back to mirroring targetID if,
// and only if, every current child exactly matches the corresponding entry
// of that Tree and is itself unmaterialized. Called by CheckoutEngine
// post-order, after every child has already been reconciled to the
// destination tree.
func (t *TreeInode) TryDematerialize(ctx context.Context, targetID core.ObjectId) (bool, error) {
	tree, err := t.svc.Store.GetTree(ctx, targetID)
	if err != nil {
		return false, err
	}

	t.contentsMu.Lock()
	defer t.contentsMu.Unlock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		return false, err
	}
	if len(t.entries) != len(tree.Entries) {
		return false, nil
	}
	for _, te := range tree.Entries {
		e, ok := t.lookupEntryLocked(te.Name)
		if !ok {
			return false, nil
		}
		if e.Materialized() {
			return false, nil
		}
		if e.Type != te.Type || !e.SourceID.Equal(te.ID) {
			return false, nil
		}
	}
	t.sourceID = targetID
	contents := t.snapshotContentsLocked()
	if err := t.svc.Overlay.SaveDir(ctx, t.ino, contents); err != nil {
		return false, fmt.Errorf("edenfs/inode: dematerialize dir %d: %w", t.ino, err)
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[inode] dematerialized dir ino=%d -> %s", t.ino, targetID)
	}
	return true, nil
}

// Services exposes this TreeInode's collaborators, for use by the
// checkout/diff packages that need to reach the ObjectStore/Overlay
// through an already-loaded inode without threading Services separately.
func (t *TreeInode) Services() *Services { return t.svc }
