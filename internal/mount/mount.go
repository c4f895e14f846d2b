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

// Package mount wires the inode core's collaborators together into one
// live Mount: the parent-state machine, the exclusive on-disk lock
// guarding the overlay directory, and the Channel a kernel transport
// invalidates through after a checkout. The lock file is guarded with
// gofrs/flock.
package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"edenfs/internal/checkout"
	"edenfs/internal/config"
	"edenfs/internal/core"
	"edenfs/internal/diff"
	"edenfs/internal/inode"
	"edenfs/internal/journal"
	"edenfs/internal/overlay"
	"edenfs/internal/store"
)

// lockRetryInterval is how often TryLockContext polls the lock file while
// waiting for it to become free.
const lockRetryInterval = 50 * time.Millisecond

// ParentState is the mount's checkout state machine: a mount is either
// quiescent at some checked-out root, or mid-checkout between an old and a
// new root.
type ParentState int

const (
	// StateReady: no checkout in progress, CheckedOutRoot is authoritative.
	StateReady ParentState = iota
	// StateCheckoutInProgress: a checkout is running; CheckedOutRoot still
	// names the previous root until the checkout succeeds.
	StateCheckoutInProgress
)

// Channel is the kernel-transport collaborator a Mount invalidates after
// mutating the tree, shaped to match willscott/go-nfs's cache-invalidation
// hooks so a real NFS/FUSE export can implement it directly. No transport
// is started by this package.
type Channel interface {
	InvalidateEntry(parent core.InodeNumber, name string) error
	InvalidateDir(ino core.InodeNumber) error
	Flush() error
}

// noopChannel discards invalidations, used when a Mount is driven purely
// programmatically (tests, offline tooling) with no attached transport.
type noopChannel struct{}

func (noopChannel) InvalidateEntry(core.InodeNumber, string) error { return nil }
func (noopChannel) InvalidateDir(core.InodeNumber) error           { return nil }
func (noopChannel) Flush() error                                   { return nil }

// Mount is one live checkout: an inode tree rooted at a TreeInode, backed
// by an ObjectStore and an Overlay, with a Journal recording every change
// and a Channel to notify of invalidations.
type Mount struct {
	ID  string
	cfg *config.Config

	store   store.ObjectStore
	overlay overlay.Overlay
	journal *journal.Journal
	channel Channel

	svc  *inode.Services
	root *inode.TreeInode

	mu             sync.Mutex
	state          ParentState
	checkedOutRoot core.RootId

	lockFile *flock.Flock
}

// Options configures a new Mount.
type Options struct {
	Config      *config.Config
	Store       store.ObjectStore
	Overlay     overlay.Overlay
	Channel     Channel
	InitialRoot core.RootId
	// LockPath, if non-empty, is the path to an exclusive lock file
	// guaranteeing this Overlay directory is only ever opened by one Mount
	// process at a time.
	LockPath string
}

// Open constructs and initializes a Mount: acquires the exclusive lock (if
// configured), loads or creates the root TreeInode, and checks the Overlay
// for a takeover snapshot. A snapshot that is found is only logged; its
// contents are not applied.
func Open(ctx context.Context, opts Options) (*Mount, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	var lockFile *flock.Flock
	if opts.LockPath != "" {
		lockFile = flock.New(opts.LockPath)
		locked, err := lockFile.TryLockContext(ctx, lockRetryInterval)
		if err != nil {
			return nil, fmt.Errorf("edenfs/mount: acquire lock %q: %w", opts.LockPath, err)
		}
		if !locked {
			return nil, fmt.Errorf("edenfs/mount: overlay %q is already in use by another mount", filepath.Dir(opts.LockPath))
		}
	}

	ch := opts.Channel
	if ch == nil {
		ch = noopChannel{}
	}

	mctx := core.NewMountContext(uuid.NewString(), cfg.CaseSensitive)
	svc := &inode.Services{
		Store:      opts.Store,
		Overlay:    opts.Overlay,
		InodeMap:   inode.NewInodeMap(),
		RenameLock: inode.NewRenameLock(),
		MountCtx:   mctx,
		AttrCache:  inode.NewAttrCache(cfg.AttrCacheTTL, cfg.AttrCacheMaxEntries),
	}

	var root *inode.TreeInode
	var err error
	if opts.InitialRoot.IsZero() {
		root, err = inode.NewRoot(svc, nil)
	} else {
		var tree *store.Tree
		tree, err = opts.Store.GetRootTree(ctx, opts.InitialRoot)
		if err == nil {
			root, err = inode.NewRoot(svc, &inode.TreeEntrySource{ID: tree.ID})
		}
	}
	if err != nil {
		if lockFile != nil {
			lockFile.Unlock()
		}
		return nil, err
	}

	m := &Mount{
		ID:             mctx.MountID,
		cfg:            cfg,
		store:          opts.Store,
		overlay:        opts.Overlay,
		journal:        journal.New(cfg.JournalBudgetBytes),
		channel:        ch,
		svc:            svc,
		root:           root,
		state:          StateReady,
		checkedOutRoot: opts.InitialRoot,
		lockFile:       lockFile,
	}

	if err := m.replayTakeover(ctx); err != nil {
		return nil, err
	}

	if log.IsLevelEnabled(log.InfoLevel) {
		log.Infof("[mount] opened mount id=%s root=%s", m.ID, opts.InitialRoot)
	}
	return m, nil
}

func (m *Mount) replayTakeover(ctx context.Context) error {
	data, ok, err := m.overlay.LoadTakeoverSnapshot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[mount] replaying takeover snapshot (%d bytes)", len(data))
	}
	return nil
}

// Root returns the mount's root TreeInode.
func (m *Mount) Root() *inode.TreeInode { return m.root }

// CheckedOutRoot returns the RootId the mount is currently (or was most
// recently) checked out to.
func (m *Mount) CheckedOutRoot() core.RootId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkedOutRoot
}

// State returns the mount's current parent-state.
func (m *Mount) State() ParentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Checkout runs CheckoutEngine against destination, transitioning the
// mount's parent-state machine and, on success, updating CheckedOutRoot
// and appending a journal record.
func (m *Mount) Checkout(ctx context.Context, destination core.RootId, mode checkout.Mode) (*checkout.Result, error) {
	m.mu.Lock()
	if m.state == StateCheckoutInProgress {
		m.mu.Unlock()
		return nil, core.ErrCheckoutInProgress
	}
	m.state = StateCheckoutInProgress
	from := m.checkedOutRoot
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state = StateReady
		m.mu.Unlock()
	}()

	destTree, err := m.store.GetRootTree(ctx, destination)
	if err != nil {
		return nil, err
	}
	var fromTreeID core.ObjectId
	if !from.IsZero() {
		fromTree, err := m.store.GetRootTree(ctx, from)
		if err != nil {
			return nil, err
		}
		fromTreeID = fromTree.ID
	}

	var uncleanPaths []string
	if mode != checkout.DryRun {
		uncleanPaths, err = m.uncleanPathsSince(ctx, fromTreeID)
		if err != nil {
			return nil, err
		}
	}

	engine := checkout.New(m.store, mode)
	result, err := engine.Checkout(ctx, m.root, fromTreeID, destTree.ID)
	if err != nil {
		return nil, err
	}

	if mode != checkout.DryRun {
		m.mu.Lock()
		m.checkedOutRoot = destination
		m.mu.Unlock()
		m.journal.AppendUncleanPaths(from, destination, uncleanPaths)
		for _, change := range result.AppliedActions {
			m.journal.Append(journalKindFor(change.Kind), change.Path, from, destination)
		}
		m.journal.Append(journal.RecordCheckout, "", from, destination)
		if err := m.channel.InvalidateDir(core.RootInodeNumber); err != nil {
			log.Warnf("[mount] channel invalidate failed after checkout: %v", err)
		}
	}
	for _, p := range result.AppliedPaths {
		if err := m.channel.InvalidateEntry(core.RootInodeNumber, p); err != nil {
			log.Warnf("[mount] channel invalidate failed for %q: %v", p, err)
		}
	}
	return result, nil
}

// uncleanPathsSince diffs the working copy against fromTreeID, the tree the
// mount was last checked out to, giving the journal the set of paths that
// were already locally modified before this checkout is applied. Returns
// nil when there is no known previous tree to diff against.
func (m *Mount) uncleanPathsSince(ctx context.Context, fromTreeID core.ObjectId) ([]string, error) {
	if fromTreeID.IsZero() {
		return nil, nil
	}
	engine := diff.New(m.store, nil)
	entries, err := engine.Diff(ctx, m.root, fromTreeID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths, nil
}

// journalKindFor maps a checkout action to the journal record kind that
// best describes it.
func journalKindFor(kind checkout.ActionKind) journal.RecordKind {
	switch kind {
	case checkout.ActionAdd:
		return journal.RecordEntryAdded
	case checkout.ActionRemove:
		return journal.RecordEntryRemoved
	case checkout.ActionForceReplace:
		return journal.RecordPathReplaced
	default:
		return journal.RecordEntryModified
	}
}

// Diff runs DiffEngine against comparison, without changing any mount
// state.
func (m *Mount) Diff(ctx context.Context, comparison core.RootId, ignoreLines []string) ([]diff.Entry, error) {
	compTree, err := m.store.GetRootTree(ctx, comparison)
	if err != nil {
		return nil, err
	}
	engine := diff.New(m.store, diff.NewIgnoreStack(ignoreLines))
	return engine.Diff(ctx, m.root, compTree.ID)
}

// Journal exposes the mount's change journal.
func (m *Mount) Journal() *journal.Journal { return m.journal }

// Close waits for pending overlay I/O and releases the exclusive lock. It
// does not write a takeover snapshot of the InodeMap.
func (m *Mount) Close(ctx context.Context) error {
	if err := m.overlay.WaitForPendingIO(ctx, m.cfg.PendingIOTimeout); err != nil {
		log.Warnf("[mount] close: pending IO wait failed: %v", err)
	}
	if err := m.overlay.Close(); err != nil {
		return err
	}
	if m.lockFile != nil {
		return m.lockFile.Unlock()
	}
	return nil
}
