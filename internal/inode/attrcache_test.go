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

package inode_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edenfs/internal/core"
	"edenfs/internal/inode"
	"edenfs/internal/store"
)

func TestGetOrLoadChild_FastPathPopulatesAndInvalidatesAttrCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, objStore, _ := newTestServices(t, true)
	svc.AttrCache = inode.NewAttrCache(0, 0)

	fileID := objStore.PutBlob([]byte("hello"))
	treeID := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: fileID, Type: core.EntryTypeRegularFile}})
	root, err := inode.NewRoot(svc, &inode.TreeEntrySource{ID: treeID})
	require.NoError(t, err)

	_, err = root.GetOrLoadChild(ctx, "a.txt", true)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.AttrCache.Size())

	cached, ok := svc.AttrCache.Get(root.Number(), "a.txt")
	require.True(t, ok)
	assert.Equal(t, inode.ResultUnloadedEntry, cached.Kind)

	// A structural mutation of the directory invalidates the whole cache
	// entry for that parent, not just the mutated name.
	_, err = root.CreateFile(ctx, "b.txt", false)
	require.NoError(t, err)
	_, ok = svc.AttrCache.Get(root.Number(), "a.txt")
	assert.False(t, ok)
}
