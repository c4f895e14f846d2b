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

package store

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"

	"edenfs/internal/core"
)

// MemoryStore is an in-memory ObjectStore, the primary test double for the
// inode core and a template for a real client (see FilesystemObjectStore
// for a slightly more realistic one backed by go-billy). Trees get ids from
// a counter rather than a real hash, and roots are named by the caller of
// PutRoot, since actual content addressing is the backing store's concern
// and out of scope here.
type MemoryStore struct {
	mu        sync.RWMutex
	trees     map[core.ObjectId]*Tree
	blobs     map[core.ObjectId]*Blob
	roots     map[core.RootId]core.ObjectId // root -> tree id
	bijective bool
	nextID    uint64
}

// NewMemoryStore creates an empty in-memory ObjectStore.
func NewMemoryStore(bijectiveBlobIDs bool) *MemoryStore {
	return &MemoryStore{
		trees:     make(map[core.ObjectId]*Tree),
		blobs:     make(map[core.ObjectId]*Blob),
		roots:     make(map[core.RootId]core.ObjectId),
		bijective: bijectiveBlobIDs,
	}
}

func (m *MemoryStore) allocID() core.ObjectId {
	m.nextID++
	return core.NewObjectId(fmt.Sprintf("mem:%d", m.nextID))
}

// PutBlob stores content and returns its ObjectId. Identical content
// always yields the same id within a single MemoryStore so that
// BijectiveBlobIDs()'s guarantee (id equal <=> content equal) holds when
// the store was constructed with bijective=true.
func (m *MemoryStore) PutBlob(data []byte) core.ObjectId {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bijective {
		digest := sha1.Sum(data)
		id := core.NewObjectIdFromBytes(digest[:])
		if _, ok := m.blobs[id]; !ok {
			cp := append([]byte(nil), data...)
			m.blobs[id] = &Blob{ID: id, Data: cp}
		}
		return id
	}

	id := m.allocID()
	cp := append([]byte(nil), data...)
	m.blobs[id] = &Blob{ID: id, Data: cp}
	return id
}

// PutTree stores a tree, sorting entries into the store's native ordering
// (lexicographic by name, matching the diff/checkout walk order in spec
// §3), and returns its ObjectId.
func (m *MemoryStore) PutTree(entries []TreeEntry) core.ObjectId {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	id := m.allocID()
	m.trees[id] = &Tree{ID: id, Entries: sorted}
	return id
}

// PutRoot registers a RootId pointing at an already-stored tree.
func (m *MemoryStore) PutRoot(root core.RootId, treeID core.ObjectId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[root] = treeID
}

func (m *MemoryStore) GetTree(_ context.Context, id core.ObjectId) (*Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trees[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) GetBlob(_ context.Context, id core.ObjectId) (*Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) GetBlobSHA1(ctx context.Context, id core.ObjectId) (core.Sha1, error) {
	b, err := m.GetBlob(ctx, id)
	if err != nil {
		return core.Sha1{}, err
	}
	return sha1.Sum(b.Data), nil
}

func (m *MemoryStore) GetBlobSize(ctx context.Context, id core.ObjectId) (int64, error) {
	b, err := m.GetBlob(ctx, id)
	if err != nil {
		return 0, err
	}
	return int64(len(b.Data)), nil
}

func (m *MemoryStore) GetRootTree(ctx context.Context, root core.RootId) (*Tree, error) {
	m.mu.RLock()
	treeID, ok := m.roots[root]
	m.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	return m.GetTree(ctx, treeID)
}

func (m *MemoryStore) ParseRootID(s string) (core.RootId, error) {
	if s == "" {
		return core.RootId{}, core.ErrInvalidPath
	}
	return core.NewRootId(s), nil
}

func (m *MemoryStore) RenderRootID(root core.RootId) string { return root.String() }

func (m *MemoryStore) BijectiveBlobIDs() bool { return m.bijective }
