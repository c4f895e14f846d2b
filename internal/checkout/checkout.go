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

// Package checkout walks the current working copy and a destination Tree
// in lockstep, classifies every entry into a CheckoutAction, and applies
// it while respecting materialization state and conflict detection. It
// generalizes a flat directory-walk/reconciliation style into a two-Tree
// diff-and-apply.
package checkout

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"edenfs/internal/core"
	"edenfs/internal/inode"
	"edenfs/internal/store"
)

// Mode selects how aggressively CheckoutEngine applies actions.
type Mode int

const (
	// DryRun computes actions and conflicts but never mutates the tree.
	DryRun Mode = iota
	// Normal applies every action that has no conflict, and reports
	// conflicting entries without touching them.
	Normal
	// Force applies every action regardless of conflicts, discarding
	// local modifications that would otherwise block it.
	Force
)

// ActionKind classifies what CheckoutEngine must do to reconcile one entry
// between the working copy and the destination Tree.
type ActionKind int

const (
	// ActionNone means the entry already matches the destination.
	ActionNone ActionKind = iota
	// ActionAdd creates an entry present in the destination but absent
	// from the working copy.
	ActionAdd
	// ActionRemove deletes an entry present in the working copy but absent
	// from the destination.
	ActionRemove
	// ActionReplace overwrites an unmaterialized entry's SourceID with no
	// local state lost.
	ActionReplace
	// ActionForceReplace recreates a materialized entry from the
	// destination blob, discarding local content that conflicted with it.
	ActionForceReplace
	// ActionRecurse means both sides are directories that differ and must
	// be walked recursively.
	ActionRecurse
)

// ConflictKind enumerates the reasons an action cannot be applied safely.
type ConflictKind int

const (
	// ConflictNone means no conflict.
	ConflictNone ConflictKind = iota
	// ConflictUntrackedAdded: an untracked (never checked out) entry
	// exists locally where the destination wants to add one.
	ConflictUntrackedAdded
	// ConflictModifiedModified: a locally materialized entry differs from
	// both the old and new destination content.
	ConflictModifiedModified
	// ConflictModifiedRemoved: a locally materialized entry exists where
	// the destination wants it removed.
	ConflictModifiedRemoved
	// ConflictRemovedModified: the working copy has no entry where the
	// destination wants to modify an existing one.
	ConflictRemovedModified
	// ConflictMissingRemoved: the working copy is missing an entry the
	// destination also wants removed (a no-op made visible as informational).
	ConflictMissingRemoved
	// ConflictDirectoryNotEmpty: a directory the destination wants removed
	// still has children. Removal does not recurse into the directory, so
	// any child, tracked or untracked, produces this conflict; replacing a
	// directory with a file never reports it.
	ConflictDirectoryNotEmpty
)

// Conflict describes one entry CheckoutEngine could not reconcile safely
// under Normal or DryRun mode; Force mode records none.
type Conflict struct {
	Path string
	Kind ConflictKind
}

// Result is the outcome of one Checkout call.
type Result struct {
	Conflicts []Conflict
	// AppliedPaths lists every path that was actually mutated (empty for
	// DryRun).
	AppliedPaths []string
	// AppliedActions parallels AppliedPaths, recording which action each
	// mutated path took so callers (e.g. the journal) can log per-path
	// detail instead of a flat path list.
	AppliedActions []AppliedChange
}

// AppliedChange records one path CheckoutEngine mutated and what action it
// took.
type AppliedChange struct {
	Path string
	Kind ActionKind
}

// Engine runs tree_checkout against one mount's inode tree.
type Engine struct {
	Store store.ObjectStore
	Mode  Mode
}

// New returns a CheckoutEngine backed by store, running in mode.
func New(objectStore store.ObjectStore, mode Mode) *Engine {
	return &Engine{Store: objectStore, Mode: mode}
}

// Checkout reconciles root (the mount's root TreeInode, already loaded)
// against destination. from is the tree the
// mount was last checked out to, used only to distinguish
// ConflictUntrackedAdded (never part of any tracked tree at this path)
// from ConflictModifiedModified (was tracked, has since diverged); pass
// the zero ObjectId when there is no known previous tree (e.g. the mount's
// very first checkout), which conservatively treats every locally
// materialized entry as untracked.
func (e *Engine) Checkout(ctx context.Context, root *inode.TreeInode, from, destination core.ObjectId) (*Result, error) {
	rl := root.Services().RenameLock
	rl.RLock()
	defer rl.RUnlock()

	res := &Result{}
	if _, err := e.checkoutTree(ctx, root, "", from, destination, res); err != nil {
		return nil, err
	}
	return res, nil
}

// checkoutTree reconciles one directory in lockstep with a destination
// Tree, returning whether this directory ended up dematerializable.
func (e *Engine) checkoutTree(ctx context.Context, dir *inode.TreeInode, path string, from, destination core.ObjectId, res *Result) (bool, error) {
	destTree, err := e.Store.GetTree(ctx, destination)
	if err != nil {
		return false, err
	}
	fromByName := map[string]store.TreeEntry{}
	if !from.IsZero() {
		fromTree, err := e.Store.GetTree(ctx, from)
		if err != nil {
			return false, err
		}
		for _, te := range fromTree.Entries {
			fromByName[te.Name] = te
		}
	}
	current, err := dir.ListEntries(ctx)
	if err != nil {
		return false, err
	}

	currentByName := make(map[string]inode.DirEntry, len(current))
	for _, e := range current {
		currentByName[e.Name] = e
	}
	destByName := make(map[string]store.TreeEntry, len(destTree.Entries))
	for _, te := range destTree.Entries {
		destByName[te.Name] = te
	}

	names := make(map[string]struct{}, len(current)+len(destTree.Entries))
	for n := range currentByName {
		names[n] = struct{}{}
	}
	for n := range destByName {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	allChildrenDematerializable := true
	for _, name := range sorted {
		cur, hasCur := currentByName[name]
		dst, hasDst := destByName[name]
		_, hasFrom := fromByName[name]
		childPath := joinPath(path, name)

		switch {
		case hasCur && hasDst && !cur.Materialized() && cur.Type == dst.Type && cur.SourceID.Equal(dst.ID):
			// unchanged, nothing to do.
		case hasCur && hasDst && cur.Type.IsDir() && dst.Type.IsDir():
			childFrom := core.ObjectId{}
			if fe, ok := fromByName[name]; ok && fe.Type.IsDir() {
				childFrom = fe.ID
			}
			ok, err := e.recurseInto(ctx, dir, name, childPath, childFrom, dst.ID, res)
			if err != nil {
				return false, err
			}
			if !ok {
				allChildrenDematerializable = false
			}
		case hasCur && hasDst:
			clean, err := e.replaceEntry(ctx, dir, cur, dst, hasFrom, childPath, res)
			if err != nil {
				return false, err
			}
			if !clean {
				allChildrenDematerializable = false
			}
		case hasCur && !hasDst:
			if err := e.removeEntry(ctx, dir, cur, childPath, res); err != nil {
				return false, err
			}
		case !hasCur && hasDst:
			if err := e.addEntry(ctx, dir, dst, childPath, ActionAdd, res); err != nil {
				return false, err
			}
		}
	}

	if e.Mode == DryRun {
		return false, nil
	}
	if !allChildrenDematerializable {
		return false, nil
	}
	ok, err := dir.TryDematerialize(ctx, destination)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (e *Engine) recurseInto(ctx context.Context, dir *inode.TreeInode, name, path string, fromID, destID core.ObjectId, res *Result) (bool, error) {
	child, err := dir.LoadChild(ctx, name)
	if err != nil {
		return false, err
	}
	childTree, ok := child.(*inode.TreeInode)
	if !ok {
		return false, core.NewBug("checkout", "entry %q loaded as non-directory during recurse", path)
	}
	return e.checkoutTree(ctx, childTree, path, fromID, destID, res)
}

// replaceEntry reconciles an entry present on both sides with differing
// content/type. hasFrom reports whether this path was already part of the
// tree the mount was last checked out to. It returns whether the entry
// ended up unmaterialized and matching dst, so the caller can still
// attempt to dematerialize the enclosing directory.
func (e *Engine) replaceEntry(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry, dst store.TreeEntry, hasFrom bool, path string, res *Result) (bool, error) {
	if !cur.Materialized() {
		return e.applyUnmaterializedReplace(ctx, dir, cur, dst, path, res)
	}
	if e.Mode != DryRun && cur.Type == dst.Type && !dst.Type.IsDir() {
		clean, err := e.tryDematerializeInPlace(ctx, dir, cur, dst, path)
		if err != nil {
			return false, err
		}
		if clean {
			return true, nil
		}
	}
	if e.Mode != Force {
		kind := ConflictModifiedModified
		if !hasFrom {
			kind = ConflictUntrackedAdded
		}
		res.Conflicts = append(res.Conflicts, Conflict{Path: path, Kind: kind})
		return false, nil
	}
	return e.forceReplace(ctx, dir, cur, dst, path, res)
}

// tryDematerializeInPlace checks whether a materialized file's current
// content already matches dst, and if so flips it back to mirroring dst
// without a remove-and-recreate cycle, preserving its InodeNumber.
func (e *Engine) tryDematerializeInPlace(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry, dst store.TreeEntry, path string) (bool, error) {
	child, err := dir.LoadChild(ctx, cur.Name)
	if err != nil {
		return false, err
	}
	fileChild, ok := child.(*inode.FileInode)
	if !ok {
		return false, nil
	}
	dematerialized, err := fileChild.TryDematerializeFile(ctx, dst.ID)
	if err != nil {
		return false, err
	}
	if dematerialized && log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[checkout] dematerialized matching file %s in place", path)
	}
	return dematerialized, nil
}

func (e *Engine) applyUnmaterializedReplace(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry, dst store.TreeEntry, path string, res *Result) (bool, error) {
	if e.Mode == DryRun {
		return false, nil
	}
	if err := dir.TryRemoveChild(ctx, cur.Name, cur.Type.IsDir()); err != nil {
		return false, err
	}
	if err := e.addEntry(ctx, dir, dst, path, ActionReplace, res); err != nil {
		return false, err
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[checkout] replaced unmaterialized entry %s", path)
	}
	return true, nil
}

func (e *Engine) forceReplace(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry, dst store.TreeEntry, path string, res *Result) (bool, error) {
	if err := dir.TryRemoveChild(ctx, cur.Name, cur.Type.IsDir()); err != nil {
		return false, err
	}
	if err := e.addEntry(ctx, dir, dst, path, ActionForceReplace, res); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) removeEntry(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry, path string, res *Result) error {
	if cur.Type.IsDir() {
		empty, err := e.dirIsEmptyForRemoval(ctx, dir, cur)
		if err != nil {
			return err
		}
		if !empty && e.Mode != Force {
			res.Conflicts = append(res.Conflicts, Conflict{Path: path, Kind: ConflictDirectoryNotEmpty})
			return nil
		}
	} else if cur.Materialized() && e.Mode != Force {
		res.Conflicts = append(res.Conflicts, Conflict{Path: path, Kind: ConflictModifiedRemoved})
		return nil
	}
	if e.Mode == DryRun {
		return nil
	}
	if err := dir.TryRemoveChild(ctx, cur.Name, cur.Type.IsDir()); err != nil {
		return err
	}
	res.AppliedPaths = append(res.AppliedPaths, path)
	res.AppliedActions = append(res.AppliedActions, AppliedChange{Path: path, Kind: ActionRemove})
	return nil
}

func (e *Engine) dirIsEmptyForRemoval(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry) (bool, error) {
	child, err := dir.LoadChild(ctx, cur.Name)
	if err != nil {
		return false, err
	}
	childTree, ok := child.(*inode.TreeInode)
	if !ok {
		return false, core.NewBug("checkout", "entry %q loaded as non-directory during removal check", cur.Name)
	}
	entries, err := childTree.ListEntries(ctx)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func (e *Engine) addEntry(ctx context.Context, dir *inode.TreeInode, dst store.TreeEntry, path string, kind ActionKind, res *Result) error {
	if e.Mode == DryRun {
		return nil
	}
	if err := dir.AddUnmaterializedEntry(ctx, dst.Name, dst.ID, dst.Type); err != nil {
		return err
	}
	res.AppliedPaths = append(res.AppliedPaths, path)
	res.AppliedActions = append(res.AppliedActions, AppliedChange{Path: path, Kind: kind})
	return nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
