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

package mount_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edenfs/internal/checkout"
	"edenfs/internal/config"
	"edenfs/internal/core"
	"edenfs/internal/journal"
	"edenfs/internal/mount"
	"edenfs/internal/overlay"
	"edenfs/internal/store"
)

type invalidationRecorder struct {
	dirs    []core.InodeNumber
	entries []string
}

func (r *invalidationRecorder) InvalidateEntry(_ core.InodeNumber, name string) error {
	r.entries = append(r.entries, name)
	return nil
}
func (r *invalidationRecorder) InvalidateDir(ino core.InodeNumber) error {
	r.dirs = append(r.dirs, ino)
	return nil
}
func (r *invalidationRecorder) Flush() error { return nil }

func TestMount_OpenWithEmptyRootStartsReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore := store.NewMemoryStore(true)

	m, err := mount.Open(ctx, mount.Options{
		Config:  config.Default(),
		Store:   objStore,
		Overlay: overlay.NewMemoryOverlay(),
	})
	require.NoError(t, err)
	defer m.Close(ctx)

	assert.Equal(t, mount.StateReady, m.State())
	assert.True(t, m.CheckedOutRoot().IsZero())
	entries, err := m.Root().ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMount_CheckoutAppliesAndUpdatesCheckedOutRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore := store.NewMemoryStore(true)

	blobID := objStore.PutBlob([]byte("hello"))
	treeID := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobID, Type: core.EntryTypeRegularFile}})
	rootID := core.NewRootId("r1")
	objStore.PutRoot(rootID, treeID)

	recorder := &invalidationRecorder{}
	m, err := mount.Open(ctx, mount.Options{
		Config:  config.Default(),
		Store:   objStore,
		Overlay: overlay.NewMemoryOverlay(),
		Channel: recorder,
	})
	require.NoError(t, err)
	defer m.Close(ctx)

	res, err := m.Checkout(ctx, rootID, checkout.Normal)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.True(t, m.CheckedOutRoot().Equal(rootID))
	assert.Equal(t, mount.StateReady, m.State())
	assert.NotEmpty(t, recorder.dirs)
	assert.Contains(t, recorder.entries, "a.txt")

	journalRange := m.Journal().AccumulateRange(0)
	require.NotEmpty(t, journalRange.Records)
	last := journalRange.Records[len(journalRange.Records)-1]
	assert.Equal(t, journal.RecordCheckout, last.Kind)
	assert.True(t, last.ToRoot.Equal(rootID))
}

func TestMount_DiffReportsChangesAgainstComparisonRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objStore := store.NewMemoryStore(true)

	blobID := objStore.PutBlob([]byte("hello"))
	treeID := objStore.PutTree([]store.TreeEntry{{Name: "a.txt", ID: blobID, Type: core.EntryTypeRegularFile}})
	rootID := core.NewRootId("r1")
	objStore.PutRoot(rootID, treeID)

	m, err := mount.Open(ctx, mount.Options{
		Config:  config.Default(),
		Store:   objStore,
		Overlay: overlay.NewMemoryOverlay(),
	})
	require.NoError(t, err)
	defer m.Close(ctx)

	_, err = m.Checkout(ctx, rootID, checkout.Normal)
	require.NoError(t, err)

	_, err = m.Root().CreateFile(ctx, "untracked.txt", false)
	require.NoError(t, err)

	entries, err := m.Diff(ctx, rootID, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "untracked.txt", entries[0].Path)
}

func TestMount_OpenAcquiresExclusiveLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lockPath := filepath.Join(t.TempDir(), "mount.lock")

	m1, err := mount.Open(ctx, mount.Options{
		Config:   config.Default(),
		Store:    store.NewMemoryStore(true),
		Overlay:  overlay.NewMemoryOverlay(),
		LockPath: lockPath,
	})
	require.NoError(t, err)
	defer m1.Close(ctx)

	lockedCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = mount.Open(lockedCtx, mount.Options{
		Config:   config.Default(),
		Store:    store.NewMemoryStore(true),
		Overlay:  overlay.NewMemoryOverlay(),
		LockPath: lockPath,
	})
	assert.Error(t, err)
}
