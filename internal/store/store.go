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

// Package store defines the ObjectStore boundary the inode core consumes.
// The remote content-addressed backing store lives outside this module
// and is represented only by this read-only interface.
package store

import (
	"context"

	"edenfs/internal/common"
	"edenfs/internal/core"
)

// TreeEntry is one entry of an immutable source-control Tree.
type TreeEntry struct {
	Name string
	ID   core.ObjectId
	Type core.EntryType
}

// Tree is an immutable, ordered set of entries. Entry names are unique
// within a tree; Entries is kept in the ObjectStore's native ordering,
// which is also the order diff and checkout walk.
type Tree struct {
	ID      core.ObjectId
	Entries []TreeEntry
}

// Lookup returns the entry named name, following Tree's native ordering
// with linear scan (trees are small; production backing stores keep them
// sorted and would binary-search here).
func (t *Tree) Lookup(name string, caseSensitive bool) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if common.EqualNames(e.Name, name, caseSensitive) {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Blob is an immutable byte sequence addressed by ObjectId.
type Blob struct {
	ID   core.ObjectId
	Data []byte
}

// ObjectStore is the read-only, content-addressed backing store consumed
// by the inode core. Every method may block on network I/O;
// callers must not hold any TreeInode contents lock while calling in.
type ObjectStore interface {
	// GetTree fetches a Tree by ObjectId.
	GetTree(ctx context.Context, id core.ObjectId) (*Tree, error)
	// GetBlob fetches a Blob by ObjectId.
	GetBlob(ctx context.Context, id core.ObjectId) (*Blob, error)
	// GetBlobSHA1 returns the SHA-1 digest of a blob's content without
	// necessarily fetching the whole blob.
	GetBlobSHA1(ctx context.Context, id core.ObjectId) (core.Sha1, error)
	// GetBlobSize returns the byte length of a blob's content.
	GetBlobSize(ctx context.Context, id core.ObjectId) (int64, error)
	// GetRootTree fetches the root Tree for a commit root.
	GetRootTree(ctx context.Context, root core.RootId) (*Tree, error)
	// ParseRootID parses a backing-store-specific root identifier string.
	ParseRootID(s string) (core.RootId, error)
	// RenderRootID renders a RootId back to its backing-store string form.
	RenderRootID(root core.RootId) string
	// BijectiveBlobIDs reports whether two different ObjectIds are
	// guaranteed to name different blob content, letting DiffEngine skip
	// SHA-1 comparison.
	BijectiveBlobIDs() bool
}
