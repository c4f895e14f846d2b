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

// Package core holds the identifiers, error taxonomy, and cross-cutting
// context types shared by the store, overlay, inode, checkout, diff, and
// journal packages: ObjectId, RootId, InodeNumber, EntryType, and the
// MountContext threaded explicitly through every checkout/diff call
// instead of process-global state.
package core

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ObjectId is an opaque content address for a source-control tree or blob.
// It is equality-comparable, hashable (usable as a map key), and renderable
// to a string. The zero value is the "no object" sentinel used by
// DirEntry.SourceID for materialized entries.
type ObjectId struct {
	raw string
}

// NewObjectId wraps an opaque backing-store identifier (typically a hex
// digest) as an ObjectId.
func NewObjectId(raw string) ObjectId { return ObjectId{raw: raw} }

// NewObjectIdFromBytes hex-encodes raw content-address bytes into an
// ObjectId, the shape a real backing store's hash digest takes.
func NewObjectIdFromBytes(b []byte) ObjectId { return ObjectId{raw: hex.EncodeToString(b)} }

// RandomObjectId generates a synthetic ObjectId for tests and the in-memory
// object store, where content addressing is delegated to an external
// backing store.
func RandomObjectId() ObjectId { return ObjectId{raw: uuid.NewString()} }

// IsZero reports whether this is the empty/unset ObjectId.
func (id ObjectId) IsZero() bool { return id.raw == "" }

// String renders the ObjectId for logs and journal records.
func (id ObjectId) String() string {
	if id.raw == "" {
		return "<none>"
	}
	return id.raw
}

// RootId identifies a commit/checkout root understood by the backing store.
type RootId struct {
	raw string
}

// NewRootId wraps an opaque root identifier string.
func NewRootId(raw string) RootId { return RootId{raw: raw} }

// RandomRootId generates a synthetic RootId for tests.
func RandomRootId() RootId { return RootId{raw: uuid.NewString()} }

// IsZero reports whether this is the empty/unset RootId.
func (id RootId) IsZero() bool { return id.raw == "" }

// String renders the RootId.
func (id RootId) String() string {
	if id.raw == "" {
		return "<none>"
	}
	return id.raw
}

// Equal compares two RootIds.
func (id RootId) Equal(other RootId) bool { return id.raw == other.raw }

// Equal compares two ObjectIds.
func (id ObjectId) Equal(other ObjectId) bool { return id.raw == other.raw }

// InodeNumber is a 64-bit identifier unique within a mount's lifetime.
// RootInodeNumber (1) is reserved for the mount root and is never
// reassigned; numbers are otherwise allocated monotonically and never
// reused.
type InodeNumber uint64

// RootInodeNumber is the InodeNumber reserved for the mount root.
const RootInodeNumber InodeNumber = 1

// FirstAllocatableInodeNumber is the first InodeNumber handed out by the
// allocator; numbers below it are reserved.
const FirstAllocatableInodeNumber InodeNumber = 2

// EntryType classifies the kind of object a DirEntry names.
type EntryType int

const (
	// EntryTypeTree names a subdirectory (source-control Tree object).
	EntryTypeTree EntryType = iota
	// EntryTypeRegularFile names an ordinary file.
	EntryTypeRegularFile
	// EntryTypeExecutableFile names an executable file.
	EntryTypeExecutableFile
	// EntryTypeSymlink names a symbolic link.
	EntryTypeSymlink
)

// IsDir reports whether the entry type is a tree/directory.
func (t EntryType) IsDir() bool { return t == EntryTypeTree }

// IsFile reports whether the entry type names file content (regular,
// executable, or symlink target bytes).
func (t EntryType) IsFile() bool { return !t.IsDir() }

// String renders the entry type for logs.
func (t EntryType) String() string {
	switch t {
	case EntryTypeTree:
		return "tree"
	case EntryTypeRegularFile:
		return "file"
	case EntryTypeExecutableFile:
		return "executable"
	case EntryTypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// Sha1 is a 20-byte SHA-1 digest, used by DiffEngine to compare blob
// contents when the backing store does not advertise bijective ObjectIds.
// Implemented with crypto/sha1 from the standard library: the algorithm is
// fixed by contract, so there is no ecosystem library to wire in its place
// (see DESIGN.md).
type Sha1 [20]byte

// String renders the digest as lowercase hex.
func (s Sha1) String() string { return hex.EncodeToString(s[:]) }

// Equal compares two digests.
func (s Sha1) Equal(other Sha1) bool { return s == other }
