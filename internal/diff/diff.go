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

// Package diff implements DiffEngine: walking the working
// copy tree against a comparison Tree, classifying every path as added,
// removed, or modified, while honoring a stack of .gitignore-style ignore
// rules and skipping content comparison when the ObjectStore's ObjectIds
// are already bijective with blob content.
package diff

import (
	"context"
	"crypto/sha1"
	"sort"

	log "github.com/sirupsen/logrus"

	"edenfs/internal/core"
	"edenfs/internal/inode"
	"edenfs/internal/store"
)

// ChangeKind classifies one diff entry.
type ChangeKind int

const (
	// ChangeAdded: present in the working copy, absent from the comparison
	// tree.
	ChangeAdded ChangeKind = iota
	// ChangeRemoved: present in the comparison tree, absent from the
	// working copy.
	ChangeRemoved
	// ChangeModified: present on both sides with different content or
	// type.
	ChangeModified
	// ChangeIgnored: matched an ignore rule; only emitted when the engine
	// is asked to list ignored paths.
	ChangeIgnored
	// ChangeError: a child could not be loaded or recursed into. The
	// sibling walk continues; Err carries the failure.
	ChangeError
)

// Entry is one path DiffEngine found to differ, or failed to inspect.
type Entry struct {
	Path string
	Kind ChangeKind
	// Err is set only for ChangeError entries.
	Err error
}

// Engine runs a working-copy-vs-Tree diff.
type Engine struct {
	Store store.ObjectStore
	// Ignores seeds the root of the walk; nested .gitignore blobs push
	// further scopes as the walk descends.
	Ignores *IgnoreStack
	// ListIgnored, when true, emits a ChangeIgnored entry for every path an
	// ignore rule matches instead of silently skipping it.
	ListIgnored bool
}

// New returns a DiffEngine over store. root is the top-level ignore scope,
// or nil to start with no ignore rules.
func New(objectStore store.ObjectStore, root *IgnoreStack) *Engine {
	if root == nil {
		root = NewIgnoreStack(nil)
	}
	return &Engine{Store: objectStore, Ignores: root}
}

// Diff compares the working copy rooted at dir against the comparison
// Tree, honoring cancellation via ctx. A child that cannot be loaded or
// recursed into is recorded as a ChangeError entry rather than aborting the
// rest of the walk; only a failure reading dir itself or the top-level
// comparison Tree is returned as an error.
func (e *Engine) Diff(ctx context.Context, dir *inode.TreeInode, comparison core.ObjectId) ([]Entry, error) {
	rl := dir.Services().RenameLock
	rl.RLock()
	defer rl.RUnlock()

	var out []Entry
	err := e.diffTree(ctx, dir, "", comparison, e.Ignores, &out)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (e *Engine) diffTree(ctx context.Context, dir *inode.TreeInode, path string, comparison core.ObjectId, ignores *IgnoreStack, out *[]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	compTree, err := e.Store.GetTree(ctx, comparison)
	if err != nil {
		return err
	}
	current, err := dir.ListEntries(ctx)
	if err != nil {
		return err
	}

	scope, err := ignores.Descend(ctx, dir, path)
	if err != nil {
		return err
	}

	currentByName := make(map[string]inode.DirEntry, len(current))
	for _, c := range current {
		currentByName[c.Name] = c
	}
	compByName := make(map[string]store.TreeEntry, len(compTree.Entries))
	for _, te := range compTree.Entries {
		compByName[te.Name] = te
	}

	names := map[string]struct{}{}
	for n := range currentByName {
		names[n] = struct{}{}
	}
	for n := range compByName {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		childPath := joinPath(path, name)
		if scope.Matches(childPath, name) {
			if log.IsLevelEnabled(log.TraceLevel) {
				log.Tracef("[diff] skipping ignored path %s", childPath)
			}
			if e.ListIgnored {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeIgnored})
			}
			continue
		}
		cur, hasCur := currentByName[name]
		comp, hasComp := compByName[name]

		switch {
		case hasCur && hasComp && cur.Type.IsDir() && comp.Type.IsDir() && cur.SourceID.Equal(comp.ID):
			// unchanged.
		case hasCur && hasComp && cur.Type.IsDir() && comp.Type.IsDir() && !cur.Materialized():
			// cur is a pure ObjectStore reference, so every descendant is
			// too: compare the two trees directly instead of loading a
			// TreeInode and allocating InodeNumbers for the whole subtree.
			if err := e.diffUnmaterializedTree(ctx, cur.SourceID, comp.ID, childPath, scope, out); err != nil {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: err})
			}
		case hasCur && hasComp && cur.Type.IsDir() && comp.Type.IsDir():
			child, err := dir.LoadChild(ctx, name)
			if err != nil {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: err})
				continue
			}
			childTree, ok := child.(*inode.TreeInode)
			if !ok {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: core.NewBug("diff", "entry %q loaded as non-directory", childPath)})
				continue
			}
			if err := e.diffTree(ctx, childTree, childPath, comp.ID, scope, out); err != nil {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: err})
			}
		case hasCur && hasComp && cur.Type == comp.Type && cur.Type.IsFile():
			modified, err := e.fileDiffers(ctx, dir, cur, comp)
			if err != nil {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: err})
				continue
			}
			if modified {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeModified})
			}
		case hasCur && hasComp:
			// type changed (e.g. file <-> directory).
			*out = append(*out, Entry{Path: childPath, Kind: ChangeModified})
		case hasCur && !hasComp:
			*out = append(*out, Entry{Path: childPath, Kind: ChangeAdded})
		case !hasCur && hasComp:
			*out = append(*out, Entry{Path: childPath, Kind: ChangeRemoved})
		}
	}
	return nil
}

// diffUnmaterializedTree diffs two ObjectStore trees directly, with no
// TreeInode involved on either side. It is only reachable from a working-copy
// directory that is itself unmaterialized, so by the materialization
// invariant every entry beneath it is too; this is what keeps a
// reset-to-a-distant-commit diff from forcing a full subtree load.
func (e *Engine) diffUnmaterializedTree(ctx context.Context, from, comparison core.ObjectId, path string, ignores *IgnoreStack, out *[]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fromTree, err := e.Store.GetTree(ctx, from)
	if err != nil {
		return err
	}
	compTree, err := e.Store.GetTree(ctx, comparison)
	if err != nil {
		return err
	}

	scope, err := ignores.DescendTree(ctx, e.Store, fromTree, path)
	if err != nil {
		return err
	}

	fromByName := make(map[string]store.TreeEntry, len(fromTree.Entries))
	for _, te := range fromTree.Entries {
		fromByName[te.Name] = te
	}
	compByName := make(map[string]store.TreeEntry, len(compTree.Entries))
	for _, te := range compTree.Entries {
		compByName[te.Name] = te
	}

	names := map[string]struct{}{}
	for n := range fromByName {
		names[n] = struct{}{}
	}
	for n := range compByName {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		childPath := joinPath(path, name)
		if scope.Matches(childPath, name) {
			if e.ListIgnored {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeIgnored})
			}
			continue
		}
		cur, hasCur := fromByName[name]
		comp, hasComp := compByName[name]

		switch {
		case hasCur && hasComp && cur.Type.IsDir() && comp.Type.IsDir() && cur.ID.Equal(comp.ID):
			// unchanged.
		case hasCur && hasComp && cur.Type.IsDir() && comp.Type.IsDir():
			if err := e.diffUnmaterializedTree(ctx, cur.ID, comp.ID, childPath, scope, out); err != nil {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: err})
			}
		case hasCur && hasComp && cur.Type == comp.Type && cur.Type.IsFile():
			modified, err := e.blobDiffers(ctx, cur.ID, comp.ID)
			if err != nil {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeError, Err: err})
				continue
			}
			if modified {
				*out = append(*out, Entry{Path: childPath, Kind: ChangeModified})
			}
		case hasCur && hasComp:
			*out = append(*out, Entry{Path: childPath, Kind: ChangeModified})
		case hasCur && !hasComp:
			*out = append(*out, Entry{Path: childPath, Kind: ChangeAdded})
		case !hasCur && hasComp:
			*out = append(*out, Entry{Path: childPath, Kind: ChangeRemoved})
		}
	}
	return nil
}

// blobDiffers compares two ObjectStore blobs with no inode involved,
// applying the same bijective-id short circuit as fileDiffers before
// falling back to a size/SHA-1 comparison.
func (e *Engine) blobDiffers(ctx context.Context, from, comparison core.ObjectId) (bool, error) {
	if e.Store.BijectiveBlobIDs() {
		return !from.Equal(comparison), nil
	}
	fromSize, err := e.Store.GetBlobSize(ctx, from)
	if err != nil {
		return false, err
	}
	compSize, err := e.Store.GetBlobSize(ctx, comparison)
	if err != nil {
		return false, err
	}
	if fromSize != compSize {
		return true, nil
	}
	fromHash, err := e.Store.GetBlobSHA1(ctx, from)
	if err != nil {
		return false, err
	}
	compHash, err := e.Store.GetBlobSHA1(ctx, comparison)
	if err != nil {
		return false, err
	}
	return !fromHash.Equal(compHash), nil
}

// fileDiffers applies the bijective-blob-id optimization: when the
// backing store guarantees distinct ObjectIds name distinct content, an
// unmaterialized file's SourceID can be compared directly, skipping a
// content fetch. Otherwise it falls back to a SHA-1 comparison.
func (e *Engine) fileDiffers(ctx context.Context, dir *inode.TreeInode, cur inode.DirEntry, comp store.TreeEntry) (bool, error) {
	if !cur.Materialized() {
		if e.Store.BijectiveBlobIDs() {
			return !cur.SourceID.Equal(comp.ID), nil
		}
	}
	child, err := dir.LoadChild(ctx, cur.Name)
	if err != nil {
		return false, err
	}
	fileInode, ok := child.(*inode.FileInode)
	if !ok {
		return false, core.NewBug("diff", "entry %q loaded as non-file", cur.Name)
	}
	size, err := fileInode.Size(ctx)
	if err != nil {
		return false, err
	}
	compSize, err := e.Store.GetBlobSize(ctx, comp.ID)
	if err != nil {
		return false, err
	}
	if size != compSize {
		return true, nil
	}
	localHash, err := hashFile(ctx, fileInode, size)
	if err != nil {
		return false, err
	}
	compHash, err := e.Store.GetBlobSHA1(ctx, comp.ID)
	if err != nil {
		return false, err
	}
	return !localHash.Equal(compHash), nil
}

func hashFile(ctx context.Context, f *inode.FileInode, size int64) (core.Sha1, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(ctx, buf, 0); err != nil {
		return core.Sha1{}, err
	}
	digest := sha1.Sum(buf)
	return core.Sha1(digest), nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
