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

package diff_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edenfs/internal/checkout"
	"edenfs/internal/core"
	"edenfs/internal/diff"
	"edenfs/internal/inode"
	"edenfs/internal/overlay"
	"edenfs/internal/store"
)

func newMount(t *testing.T, bijective bool) (*store.MemoryStore, *inode.TreeInode) {
	t.Helper()
	objStore := store.NewMemoryStore(bijective)
	svc := &inode.Services{
		Store:      objStore,
		Overlay:    overlay.NewMemoryOverlay(),
		InodeMap:   inode.NewInodeMap(),
		RenameLock: inode.NewRenameLock(),
		MountCtx:   core.NewMountContext("m", true),
	}
	root, err := inode.NewRoot(svc, nil)
	require.NoError(t, err)
	return objStore, root
}

func TestDiff_AddedRemovedUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t, true)

	blobA := objStore.PutBlob([]byte("a"))
	blobB := objStore.PutBlob([]byte("b"))
	compTree := objStore.PutTree([]store.TreeEntry{
		{Name: "keep.txt", ID: blobA, Type: core.EntryTypeRegularFile},
		{Name: "gone.txt", ID: blobB, Type: core.EntryTypeRegularFile},
	})

	// Check out compTree, then diverge: remove gone.txt, add new.txt.
	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, compTree)
	require.NoError(t, err)
	require.NoError(t, root.TryRemoveChild(ctx, "gone.txt", false))
	_, err = root.CreateFile(ctx, "new.txt", false)
	require.NoError(t, err)

	dEngine := diff.New(objStore, nil)
	entries, err := dEngine.Diff(ctx, root, compTree)
	require.NoError(t, err)

	byPath := map[string]diff.ChangeKind{}
	for _, e := range entries {
		byPath[e.Path] = e.Kind
	}
	assert.Equal(t, diff.ChangeAdded, byPath["new.txt"])
	assert.Equal(t, diff.ChangeRemoved, byPath["gone.txt"])
	_, stillPresent := byPath["keep.txt"]
	assert.False(t, stillPresent)
}

func TestDiff_BijectiveShortCircuitsContentFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t, true)

	blobA := objStore.PutBlob([]byte("a"))
	blobB := objStore.PutBlob([]byte("b"))
	fromTree := objStore.PutTree([]store.TreeEntry{{Name: "f.txt", ID: blobA, Type: core.EntryTypeRegularFile}})
	toTree := objStore.PutTree([]store.TreeEntry{{Name: "f.txt", ID: blobB, Type: core.EntryTypeRegularFile}})

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, fromTree)
	require.NoError(t, err)

	dEngine := diff.New(objStore, nil)
	entries, err := dEngine.Diff(ctx, root, toTree)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, diff.ChangeModified, entries[0].Kind)
}

func TestDiff_IgnoresGitignoredPaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t, true)

	ignoreBlob := objStore.PutBlob([]byte("secret.txt\n"))
	secretBlob := objStore.PutBlob([]byte("shh"))
	compTree := objStore.PutTree(nil)

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, compTree)
	require.NoError(t, err)

	require.NoError(t, root.AddUnmaterializedEntry(ctx, ".gitignore", ignoreBlob, core.EntryTypeRegularFile))
	require.NoError(t, root.AddUnmaterializedEntry(ctx, "secret.txt", secretBlob, core.EntryTypeRegularFile))

	dEngine := diff.New(objStore, nil)
	entries, err := dEngine.Diff(ctx, root, compTree)
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, ".gitignore")
	assert.NotContains(t, paths, "secret.txt")
}

func TestDiff_ListIgnoredEmitsIgnoredEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t, true)

	ignoreBlob := objStore.PutBlob([]byte("secret.txt\n"))
	secretBlob := objStore.PutBlob([]byte("shh"))
	compTree := objStore.PutTree(nil)

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, compTree)
	require.NoError(t, err)

	require.NoError(t, root.AddUnmaterializedEntry(ctx, ".gitignore", ignoreBlob, core.EntryTypeRegularFile))
	require.NoError(t, root.AddUnmaterializedEntry(ctx, "secret.txt", secretBlob, core.EntryTypeRegularFile))

	dEngine := diff.New(objStore, nil)
	dEngine.ListIgnored = true
	entries, err := dEngine.Diff(ctx, root, compTree)
	require.NoError(t, err)

	byPath := map[string]diff.ChangeKind{}
	for _, e := range entries {
		byPath[e.Path] = e.Kind
	}
	assert.Equal(t, diff.ChangeIgnored, byPath["secret.txt"])
}

func TestDiff_RecurseFailureBecomesErrorEntryNotAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t, true)

	blobA := objStore.PutBlob([]byte("a"))
	// "sub"'s comparison-side ID names a tree that was never stored, so
	// recursing into it fails; the sibling "gone.txt" removal must still
	// be reported instead of the whole Diff call failing.
	compTree := objStore.PutTree([]store.TreeEntry{
		{Name: "gone.txt", ID: blobA, Type: core.EntryTypeRegularFile},
		{Name: "sub", ID: core.RandomObjectId(), Type: core.EntryTypeTree},
	})

	_, err := root.Mkdir(ctx, "sub")
	require.NoError(t, err)

	dEngine := diff.New(objStore, nil)
	entries, err := dEngine.Diff(ctx, root, compTree)
	require.NoError(t, err)

	byPath := map[string]diff.ChangeKind{}
	for _, e := range entries {
		byPath[e.Path] = e.Kind
	}
	assert.Equal(t, diff.ChangeRemoved, byPath["gone.txt"])
	require.Equal(t, diff.ChangeError, byPath["sub"])
}
