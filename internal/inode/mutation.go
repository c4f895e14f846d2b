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

	log "github.com/sirupsen/logrus"

	"edenfs/internal/core"
	"edenfs/internal/overlay"
)

// CreateFile materializes a brand-new, empty regular/executable file named
// name in this directory. This directory is materialized first if it
// wasn't already, since a materialized child requires a materialized
// parent: materialization is a strict upward closure.
func (t *TreeInode) CreateFile(ctx context.Context, name string, executable bool) (*FileInode, error) {
	if err := t.Materialize(ctx); err != nil {
		return nil, err
	}

	t.contentsMu.Lock()
	defer t.contentsMu.Unlock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		return nil, err
	}
	if _, exists := t.lookupEntryLocked(name); exists {
		return nil, core.ErrAlreadyExists
	}
	ino, err := t.svc.Overlay.AllocateInodeNumber(ctx)
	if err != nil {
		return nil, err
	}
	typ := core.EntryTypeRegularFile
	if executable {
		typ = core.EntryTypeExecutableFile
	}
	if err := t.svc.Overlay.SaveFile(ctx, ino, nil); err != nil {
		return nil, err
	}
	entry := &DirEntry{Name: name, Ino: ino, Type: typ}
	child := &FileInode{svc: t.svc, typ: typ}
	child.ino = ino
	child.relocate(t, name)
	entry.loaded = child
	t.entries[name] = entry
	if err := t.svc.Overlay.SaveDir(ctx, t.ino, t.snapshotContentsLocked()); err != nil {
		return nil, err
	}
	t.svc.AttrCache.InvalidateDir(t.ino)
	return child, nil
}

// Mkdir materializes a brand-new, empty subdirectory named name.
func (t *TreeInode) Mkdir(ctx context.Context, name string) (*TreeInode, error) {
	if err := t.Materialize(ctx); err != nil {
		return nil, err
	}

	t.contentsMu.Lock()
	defer t.contentsMu.Unlock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		return nil, err
	}
	if _, exists := t.lookupEntryLocked(name); exists {
		return nil, core.ErrAlreadyExists
	}
	ino, err := t.svc.Overlay.AllocateInodeNumber(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.svc.Overlay.SaveDir(ctx, ino, overlay.DirContents{}); err != nil {
		return nil, err
	}
	entry := &DirEntry{Name: name, Ino: ino, Type: core.EntryTypeTree}
	child := &TreeInode{svc: t.svc, entries: make(map[string]*DirEntry)}
	child.ino = ino
	child.relocate(t, name)
	entry.loaded = child
	t.entries[name] = entry
	if err := t.svc.Overlay.SaveDir(ctx, t.ino, t.snapshotContentsLocked()); err != nil {
		return nil, err
	}
	t.svc.AttrCache.InvalidateDir(t.ino)
	return child, nil
}

// AddUnmaterializedEntry inserts a new DirEntry mirroring an ObjectStore
// entry, without fetching or loading it. Used by CheckoutEngine to add
// entries present in the destination Tree but absent locally.
func (t *TreeInode) AddUnmaterializedEntry(ctx context.Context, name string, sourceID core.ObjectId, typ core.EntryType) error {
	if err := t.Materialize(ctx); err != nil {
		return err
	}

	t.contentsMu.Lock()
	defer t.contentsMu.Unlock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		return err
	}
	if _, exists := t.lookupEntryLocked(name); exists {
		return core.ErrAlreadyExists
	}
	ino, err := t.svc.Overlay.AllocateInodeNumber(ctx)
	if err != nil {
		return err
	}
	t.entries[name] = &DirEntry{Name: name, Ino: ino, Type: typ, SourceID: sourceID}
	if err := t.svc.Overlay.SaveDir(ctx, t.ino, t.snapshotContentsLocked()); err != nil {
		return err
	}
	t.svc.AttrCache.InvalidateDir(t.ino)
	return nil
}

// TryRemoveChild removes the DirEntry named name if, at the moment the
// contents lock is (re)acquired, it still refers to an empty/removable
// child. This admits a brief-shared-lock-then-exclusive-pass race: between
// an unloaded-fast-path stat of the child and this call, another goroutine
// may have replaced or repopulated it, in which case the removal targets
// whatever is current rather than what the caller originally observed. The
// window is intentional and matches an Unlink/Rmdir implementation that
// re-validates under the exclusive lock rather than trusting a prior read.
func (t *TreeInode) TryRemoveChild(ctx context.Context, name string, requireDir bool) error {
	if err := t.Materialize(ctx); err != nil {
		return err
	}

	t.contentsMu.Lock()
	defer t.contentsMu.Unlock()
	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		return err
	}
	entry, ok := t.lookupEntryLocked(name)
	if !ok {
		return core.ErrNotFound
	}
	if requireDir != entry.Type.IsDir() {
		if requireDir {
			return core.ErrNotADirectory
		}
		return core.ErrIsADirectory
	}
	if requireDir {
		empty, err := t.childIsEmpty(ctx, entry)
		if err != nil {
			return err
		}
		if !empty {
			return core.ErrNotEmpty
		}
	}
	if err := t.svc.Overlay.RecursivelyRemove(ctx, entry.Ino); err != nil {
		return err
	}
	delete(t.entries, entry.Name)
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[inode] removed child %q ino=%d from dir ino=%d", name, entry.Ino, t.ino)
	}
	if err := t.svc.Overlay.SaveDir(ctx, t.ino, t.snapshotContentsLocked()); err != nil {
		return err
	}
	t.svc.AttrCache.InvalidateDir(t.ino)
	return nil
}

// childIsEmpty checks whether a directory DirEntry names an empty
// directory, without going through the InodeMap load coordination (the
// contents lock of t is already held, and a full GetOrLoadChild would try
// to re-take it).
func (t *TreeInode) childIsEmpty(ctx context.Context, entry *DirEntry) (bool, error) {
	if entry.loaded != nil {
		child := entry.loaded.(*TreeInode)
		entries, err := child.ListEntries(ctx)
		if err != nil {
			return false, err
		}
		return len(entries) == 0, nil
	}
	if entry.Materialized() {
		contents, err := t.svc.Overlay.LoadDir(ctx, entry.Ino)
		if err != nil {
			if err == core.ErrNotFound {
				return true, nil
			}
			return false, err
		}
		return len(contents.Entries) == 0, nil
	}
	tree, err := t.svc.Store.GetTree(ctx, entry.SourceID)
	if err != nil {
		return false, err
	}
	return len(tree.Entries) == 0, nil
}

// RenameChild moves the entry named oldName in t to newName in dst,
// holding the mount's RenameLock exclusively for the duration, following a
// fixed lock ordering of rename lock first, then contents locks ancestor
// before descendant. Both t and dst are materialized first.
func (t *TreeInode) RenameChild(ctx context.Context, oldName string, dst *TreeInode, newName string) error {
	t.svc.RenameLock.Lock()
	defer t.svc.RenameLock.Unlock()

	if err := t.Materialize(ctx); err != nil {
		return err
	}
	if dst != t {
		if err := dst.Materialize(ctx); err != nil {
			return err
		}
	}

	first, second := t, dst
	for p := t.Parent(); p != nil && dst != t; p = p.Parent() {
		if p == dst {
			first, second = dst, t
			break
		}
	}
	first.contentsMu.Lock()
	if second != first {
		second.contentsMu.Lock()
	}
	defer func() {
		if second != first {
			second.contentsMu.Unlock()
		}
		first.contentsMu.Unlock()
	}()

	if err := t.ensureEntriesLoadedLocked(ctx); err != nil {
		return err
	}
	if dst != t {
		if err := dst.ensureEntriesLoadedLocked(ctx); err != nil {
			return err
		}
	}

	entry, ok := t.lookupEntryLocked(oldName)
	if !ok {
		return core.ErrNotFound
	}
	if _, exists := dst.lookupEntryLocked(newName); exists {
		return core.ErrAlreadyExists
	}

	delete(t.entries, entry.Name)
	entry.Name = newName
	dst.entries[newName] = entry
	if entry.loaded != nil {
		relocateInode(entry.loaded, dst, newName)
	}

	if err := t.svc.Overlay.SaveDir(ctx, t.ino, t.snapshotContentsLocked()); err != nil {
		return err
	}
	if dst != t {
		if err := t.svc.Overlay.SaveDir(ctx, dst.ino, dst.snapshotContentsLocked()); err != nil {
			return err
		}
	}
	t.svc.AttrCache.InvalidateDir(t.ino)
	if dst != t {
		t.svc.AttrCache.InvalidateDir(dst.ino)
	}
	return nil
}

func relocateInode(n Inode, parent *TreeInode, name string) {
	switch v := n.(type) {
	case *TreeInode:
		v.relocate(parent, name)
	case *FileInode:
		v.relocate(parent, name)
	}
}

