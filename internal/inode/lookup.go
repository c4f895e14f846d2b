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
	"edenfs/internal/store"
)

// ResultKind tags which variant of InodeOrTreeOrEntry a lookup produced,
// a tagged union in place of a class hierarchy.
type ResultKind int

const (
	// ResultLoaded means the child is a live Inode (Tree or File).
	ResultLoaded ResultKind = iota
	// ResultUnloadedEntry means the child is an unmaterialized file/symlink
	// resolved straight from its parent's DirEntry, without allocating an
	// Inode.
	ResultUnloadedEntry
	// ResultTree means the child is an unmaterialized directory resolved by
	// fetching its Tree from the ObjectStore, without allocating a
	// TreeInode.
	ResultTree
)

// LookupResult is the InodeOrTreeOrEntry variant a lookup resolved to.
type LookupResult struct {
	Kind     ResultKind
	Inode    Inode         // set when Kind == ResultLoaded
	ObjectID core.ObjectId // set when Kind == ResultUnloadedEntry or ResultTree
	Mode     uint32
	Type     core.EntryType
	Tree     *store.Tree // set when Kind == ResultTree
}

// GetOrLoadChild returns an already-loaded child without taking any write
// lock; optionally takes a read-only fast path that never allocates an
// Inode for a still-clean child; otherwise coordinates a single load
// through the InodeMap and links the result into this directory's entries.
//
// allowFastPath lets read-only callers (Lstat, diff, readdir-plus) opt into
// the ResultUnloadedEntry/ResultTree variants; callers that need a live
// Inode (open for write, chdir, checkout Recurse) must pass false, which
// always returns ResultLoaded or an error.
func (t *TreeInode) GetOrLoadChild(ctx context.Context, name string, allowFastPath bool) (LookupResult, error) {
	// Step 1: already loaded.
	t.contentsMu.RLock()
	if err := t.ensureEntriesLoadedLockedUpgrade(ctx); err != nil {
		t.contentsMu.RUnlock()
		return LookupResult{}, err
	}
	entry, ok := t.lookupEntryLocked(name)
	if !ok {
		t.contentsMu.RUnlock()
		return LookupResult{}, core.ErrNotFound
	}
	if entry.loaded != nil {
		res := LookupResult{Kind: ResultLoaded, Inode: entry.loaded}
		t.contentsMu.RUnlock()
		return res, nil
	}

	// Step 2: read-only fast path, no Inode allocated.
	if allowFastPath && !entry.Materialized() {
		id, mode, typ := entry.SourceID, entry.Mode, entry.Type
		t.contentsMu.RUnlock()
		if cached, ok := t.svc.AttrCache.Get(t.ino, name); ok {
			return cached, nil
		}
		var res LookupResult
		if typ.IsDir() {
			tree, err := t.svc.Store.GetTree(ctx, id)
			if err != nil {
				return LookupResult{}, err
			}
			res = LookupResult{Kind: ResultTree, ObjectID: id, Mode: mode, Type: typ, Tree: tree}
		} else {
			res = LookupResult{Kind: ResultUnloadedEntry, ObjectID: id, Mode: mode, Type: typ}
		}
		t.svc.AttrCache.Set(t.ino, name, res)
		return res, nil
	}
	ino, childType, childSourceID, mode := entry.Ino, entry.Type, entry.SourceID, entry.Mode
	t.contentsMu.RUnlock()

	// Step 3: coordinate a single load through the InodeMap.
	isLeader, wait := t.svc.InodeMap.BeginLoad(ino)
	if !isLeader {
		res := <-wait
		if res.err != nil {
			return LookupResult{}, res.err
		}
		return LookupResult{Kind: ResultLoaded, Inode: res.inode}, nil
	}

	loaded, err := t.loadChild(ctx, ino, name, childType, childSourceID, mode)
	if err != nil {
		t.svc.InodeMap.FinishLoad(ino, loadResult{err: err})
		return LookupResult{}, err
	}

	// Step 4: link the freshly loaded child back into this directory before
	// waking followers; a child linked by an earlier load wins.
	t.contentsMu.Lock()
	if e, ok := t.lookupEntryLocked(name); ok {
		if e.loaded != nil {
			loaded = e.loaded
		} else {
			e.loaded = loaded
		}
	}
	t.contentsMu.Unlock()
	t.svc.InodeMap.FinishLoad(ino, loadResult{inode: loaded})
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[inode] loaded child %q ino=%d under dir ino=%d", name, ino, t.ino)
	}
	return LookupResult{Kind: ResultLoaded, Inode: loaded}, nil
}

// ensureEntriesLoadedLockedUpgrade loads entries when only a read lock is
// held, by upgrading to a write lock for the duration of the load. Go's
// sync.RWMutex has no atomic upgrade, so this releases and reacquires; a
// concurrent writer could interleave, which is safe because
// ensureEntriesLoadedLocked is idempotent once t.entries is non-nil.
func (t *TreeInode) ensureEntriesLoadedLockedUpgrade(ctx context.Context) error {
	if t.entries != nil {
		return nil
	}
	t.contentsMu.RUnlock()
	t.contentsMu.Lock()
	err := t.ensureEntriesLoadedLocked(ctx)
	t.contentsMu.Unlock()
	t.contentsMu.RLock()
	return err
}

// LoadChild always returns a live Inode, forcing a full load if necessary.
// Equivalent to GetOrLoadChild(ctx, name, false).
func (t *TreeInode) LoadChild(ctx context.Context, name string) (Inode, error) {
	res, err := t.GetOrLoadChild(ctx, name, false)
	if err != nil {
		return nil, err
	}
	return res.Inode, nil
}
