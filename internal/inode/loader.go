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

package inode

import (
	"context"

	"edenfs/internal/core"
)

// loadChild allocates the right Inode kind for a child, without linking it
// into the parent's entries map (the caller does that under contentsMu).
// This is the body of GetOrLoadChild's "leader" branch.
func (t *TreeInode) loadChild(ctx context.Context, ino core.InodeNumber, name string, typ core.EntryType, sourceID core.ObjectId, mode uint32) (Inode, error) {
	if typ.IsDir() {
		child := &TreeInode{svc: t.svc, sourceID: sourceID}
		child.ino = ino
		child.relocate(t, name)
		if sourceID.IsZero() {
			// Materialized directory: if the overlay holds no record for
			// it, the loaded TreeInode starts with no entries.
			has, err := t.svc.Overlay.HasDir(ctx, ino)
			if err != nil {
				return nil, err
			}
			if !has {
				child.entries = make(map[string]*DirEntry)
			}
		}
		return child, nil
	}

	child := &FileInode{svc: t.svc, sourceID: sourceID, typ: typ, mode: mode}
	child.ino = ino
	child.relocate(t, name)
	return child, nil
}
