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

// Package overlay defines the persistent, inode-keyed key-value store the
// inode core uses for materialized state. This package specifies the
// contract and ships two implementations: an in-memory one for tests and
// SQLOverlay, a SQLite-backed one built on bun and libsql.
package overlay

import (
	"context"
	"time"

	"edenfs/internal/core"
)

// DirEntrySnapshot is one entry of a materialized directory's persisted
// contents, mirroring inode.DirEntry closely enough to round-trip it
// without the overlay package depending on package inode.
type DirEntrySnapshot struct {
	Name string
	Ino  core.InodeNumber
	Mode uint32
	Type core.EntryType
	// SourceID is the zero ObjectId when this child is itself materialized
	// (its own contents live under its own Ino), and set when the child is
	// unmaterialized.
	SourceID core.ObjectId
}

// DirContents is the persisted state of one materialized directory.
type DirContents struct {
	Entries []DirEntrySnapshot
}

// Overlay is the persistent, per-mount store of materialized inode state.
// Implementations must make SaveDir and file replacement
// atomic: readers observe either the old or the new value, never a partial
// write.
type Overlay interface {
	// AllocateInodeNumber returns a monotonically increasing InodeNumber.
	// The counter is persisted and never regresses across restarts.
	AllocateInodeNumber(ctx context.Context) (core.InodeNumber, error)

	// SaveDir atomically persists the contents of a materialized
	// directory keyed by its InodeNumber.
	SaveDir(ctx context.Context, ino core.InodeNumber, contents DirContents) error
	// LoadDir loads a previously saved directory's contents.
	LoadDir(ctx context.Context, ino core.InodeNumber) (DirContents, error)
	// HasDir reports whether directory contents are stored for ino.
	HasDir(ctx context.Context, ino core.InodeNumber) (bool, error)

	// SaveFile atomically replaces the content of a materialized file.
	SaveFile(ctx context.Context, ino core.InodeNumber, data []byte) error
	// LoadFile loads a materialized file's content.
	LoadFile(ctx context.Context, ino core.InodeNumber) ([]byte, error)

	// SaveSymlink persists a materialized symlink's target.
	SaveSymlink(ctx context.Context, ino core.InodeNumber, target string) error
	// LoadSymlink loads a materialized symlink's target.
	LoadSymlink(ctx context.Context, ino core.InodeNumber) (string, error)

	// RemoveOverlayData removes whatever is stored for a single
	// InodeNumber (directory, file, or symlink). Idempotent.
	RemoveOverlayData(ctx context.Context, ino core.InodeNumber) error
	// RecursivelyRemove removes a whole subtree, following DirContents
	// links from ino down. Idempotent.
	RecursivelyRemove(ctx context.Context, ino core.InodeNumber) error

	// WaitForPendingIO blocks until in-flight overlay writes complete or
	// timeout elapses.
	WaitForPendingIO(ctx context.Context, timeout time.Duration) error

	// SaveTakeoverSnapshot persists an opaque InodeMap takeover snapshot
	// for graceful shutdown.
	SaveTakeoverSnapshot(ctx context.Context, data []byte) error
	// LoadTakeoverSnapshot loads a previously saved takeover snapshot, if
	// any.
	LoadTakeoverSnapshot(ctx context.Context) ([]byte, bool, error)

	// Close releases any resources held by the overlay.
	Close() error
}
