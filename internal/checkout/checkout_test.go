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

package checkout_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edenfs/internal/checkout"
	"edenfs/internal/core"
	"edenfs/internal/inode"
	"edenfs/internal/overlay"
	"edenfs/internal/store"
)

func newMount(t *testing.T) (*store.MemoryStore, *inode.TreeInode) {
	t.Helper()
	objStore := store.NewMemoryStore(true)
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

func TestCheckout_AddsEntriesWithoutRecursing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobID := objStore.PutBlob([]byte("v1"))
	subTree := objStore.PutTree([]store.TreeEntry{{Name: "b.txt", ID: blobID, Type: core.EntryTypeRegularFile}})
	destTree := objStore.PutTree([]store.TreeEntry{
		{Name: "a.txt", ID: blobID, Type: core.EntryTypeRegularFile},
		{Name: "sub", ID: subTree, Type: core.EntryTypeTree},
	})

	engine := checkout.New(objStore, checkout.Normal)
	res, err := engine.Checkout(ctx, root, core.ObjectId{}, destTree)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, res.AppliedPaths)

	entries, err := root.ListEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCheckout_DryRunAppliesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobID := objStore.PutBlob([]byte("v1"))
	destTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobID, Type: core.EntryTypeRegularFile}})

	engine := checkout.New(objStore, checkout.DryRun)
	res, err := engine.Checkout(ctx, root, core.ObjectId{}, destTree)
	require.NoError(t, err)
	assert.Empty(t, res.AppliedPaths)

	entries, err := root.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckout_LocalModificationConflictsInNormalMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobV1 := objStore.PutBlob([]byte("v1"))
	fromTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV1, Type: core.EntryTypeRegularFile}})

	// Check out fromTree, then locally modify a.txt.
	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, fromTree)
	require.NoError(t, err)

	child, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	f := child.(*inode.FileInode)
	require.NoError(t, f.WriteAt(ctx, []byte("local edit"), 0))

	blobV2 := objStore.PutBlob([]byte("v2"))
	toTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV2, Type: core.EntryTypeRegularFile}})

	res, err := engine.Checkout(ctx, root, fromTree, toTree)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, checkout.ConflictModifiedModified, res.Conflicts[0].Kind)
	assert.Equal(t, "a.txt", res.Conflicts[0].Path)
}

func TestCheckout_ForceModeOverwritesLocalModifications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobV1 := objStore.PutBlob([]byte("v1"))
	fromTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV1, Type: core.EntryTypeRegularFile}})

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, fromTree)
	require.NoError(t, err)

	child, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	f := child.(*inode.FileInode)
	require.NoError(t, f.WriteAt(ctx, []byte("local edit"), 0))

	blobV2 := objStore.PutBlob([]byte("v2"))
	toTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV2, Type: core.EntryTypeRegularFile}})

	forceEngine := checkout.New(objStore, checkout.Force)
	res, err := forceEngine.Checkout(ctx, root, fromTree, toTree)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Contains(t, res.AppliedPaths, "a.txt")

	child2, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	f2 := child2.(*inode.FileInode)
	assert.False(t, f2.IsMaterialized())
	assert.True(t, f2.SourceID().Equal(blobV2))
}

func TestCheckout_RepeatedCheckoutOfSameTreeIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobID := objStore.PutBlob([]byte("v1"))
	destTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobID, Type: core.EntryTypeRegularFile}})

	engine := checkout.New(objStore, checkout.Normal)
	res1, err := engine.Checkout(ctx, root, core.ObjectId{}, destTree)
	require.NoError(t, err)
	require.NotEmpty(t, res1.AppliedPaths)

	child, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	before := child.(*inode.FileInode).Number()

	res2, err := engine.Checkout(ctx, root, destTree, destTree)
	require.NoError(t, err)
	assert.Empty(t, res2.AppliedPaths)
	assert.Empty(t, res2.Conflicts)

	child2, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, before, child2.(*inode.FileInode).Number())
}

func TestCheckout_CleanReplaceStillDematerializesParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobV1 := objStore.PutBlob([]byte("v1"))
	fromTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV1, Type: core.EntryTypeRegularFile}})

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, fromTree)
	require.NoError(t, err)

	// Materialize a.txt with content that happens to match blobV2 exactly,
	// so the checkout to toTree is a clean in-place dematerialization
	// rather than a conflict.
	child, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	f := child.(*inode.FileInode)
	require.NoError(t, f.WriteAt(ctx, []byte("v2"), 0))

	blobV2 := objStore.PutBlob([]byte("v2"))
	toTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV2, Type: core.EntryTypeRegularFile}})

	res, err := engine.Checkout(ctx, root, fromTree, toTree)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	assert.True(t, root.SourceID().Equal(toTree))
}

func TestCheckout_ForcedReplaceStillDematerializesParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobV1 := objStore.PutBlob([]byte("v1"))
	fromTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV1, Type: core.EntryTypeRegularFile}})

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, fromTree)
	require.NoError(t, err)

	child, err := root.LoadChild(ctx, "a.txt")
	require.NoError(t, err)
	f := child.(*inode.FileInode)
	require.NoError(t, f.WriteAt(ctx, []byte("local edit"), 0))

	blobV2 := objStore.PutBlob([]byte("v2"))
	toTree := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobV2, Type: core.EntryTypeRegularFile}})

	forceEngine := checkout.New(objStore, checkout.Force)
	res, err := forceEngine.Checkout(ctx, root, fromTree, toTree)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	assert.True(t, root.SourceID().Equal(toTree))
}

func TestCheckout_RemovingNonEmptyDirIsConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore, root := newMount(t)

	blobID := objStore.PutBlob([]byte("v1"))
	subTree := objStore.PutTree([]store.TreeEntry{{Name: "b.txt", ID: blobID, Type: core.EntryTypeRegularFile}})
	fromTree := objStore.PutTree([]store.TreeEntry{{Name: "sub", ID: subTree, Type: core.EntryTypeTree}})
	toTree := objStore.PutTree(nil)

	engine := checkout.New(objStore, checkout.Normal)
	_, err := engine.Checkout(ctx, root, core.ObjectId{}, fromTree)
	require.NoError(t, err)

	res, err := engine.Checkout(ctx, root, fromTree, toTree)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, checkout.ConflictDirectoryNotEmpty, res.Conflicts[0].Kind)
}
