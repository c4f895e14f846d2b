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
	"io"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"

	"edenfs/internal/core"
)

// FilesystemObjectStore exposes a single fixed billy.Filesystem tree as a
// one-root ObjectStore. It exists to import an on-disk checkout (a real
// directory, or an in-memory memfs.New() tree in tests) as the initial
// source-control snapshot a Mount checks out to, standing in for a real
// backing-store client. ObjectIds are derived from
// the tree-relative path, which is stable only because the underlying
// billy.Filesystem is treated as immutable for the lifetime of the store;
// callers must not mutate it concurrently with reads.
type FilesystemObjectStore struct {
	fs   billy.Filesystem
	root core.RootId
}

// NewFilesystemObjectStore wraps fs as a single-root ObjectStore, exposing
// it under rootID.
func NewFilesystemObjectStore(fs billy.Filesystem, rootID core.RootId) *FilesystemObjectStore {
	return &FilesystemObjectStore{fs: fs, root: rootID}
}

func treeObjectID(relpath string) core.ObjectId { return core.NewObjectId("tree:" + relpath) }
func blobObjectID(relpath string) core.ObjectId { return core.NewObjectId("blob:" + relpath) }

func (s *FilesystemObjectStore) relPathOf(id core.ObjectId) (string, bool, error) {
	raw := id.String()
	switch {
	case len(raw) > 5 && raw[:5] == "tree:":
		return raw[5:], true, nil
	case len(raw) > 5 && raw[:5] == "blob:":
		return raw[5:], false, nil
	default:
		return "", false, core.ErrNotFound
	}
}

func (s *FilesystemObjectStore) GetTree(ctx context.Context, id core.ObjectId) (*Tree, error) {
	relpath, isTree, err := s.relPathOf(id)
	if err != nil {
		return nil, err
	}
	if !isTree {
		return nil, core.ErrNotADirectory
	}

	fsPath := relpath
	if fsPath == "" {
		fsPath = "."
	}
	infos, err := core.WithRetryResult(ctx, func() ([]os.FileInfo, error) {
		return s.fs.ReadDir(fsPath)
	}, core.ObjectStoreRetryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("edenfs/store: read dir %q: %w", fsPath, err)
	}

	entries := make([]TreeEntry, 0, len(infos))
	for _, info := range infos {
		childRel := path.Join(relpath, info.Name())
		if info.IsDir() {
			entries = append(entries, TreeEntry{Name: info.Name(), ID: treeObjectID(childRel), Type: core.EntryTypeTree})
			continue
		}
		typ := core.EntryTypeRegularFile
		if info.Mode()&0111 != 0 {
			typ = core.EntryTypeExecutableFile
		}
		if info.Mode()&os.ModeSymlink != 0 {
			typ = core.EntryTypeSymlink
		}
		entries = append(entries, TreeEntry{Name: info.Name(), ID: blobObjectID(childRel), Type: typ})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return &Tree{ID: id, Entries: entries}, nil
}

func (s *FilesystemObjectStore) readAll(ctx context.Context, relpath string) ([]byte, error) {
	data, err := core.WithRetryResult(ctx, func() ([]byte, error) {
		f, err := s.fs.Open(relpath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}, core.ObjectStoreRetryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("edenfs/store: open %q: %w", relpath, err)
	}
	return data, nil
}

func (s *FilesystemObjectStore) GetBlob(ctx context.Context, id core.ObjectId) (*Blob, error) {
	relpath, isTree, err := s.relPathOf(id)
	if err != nil {
		return nil, err
	}
	if isTree {
		return nil, core.ErrIsADirectory
	}
	data, err := s.readAll(ctx, relpath)
	if err != nil {
		return nil, err
	}
	return &Blob{ID: id, Data: data}, nil
}

func (s *FilesystemObjectStore) GetBlobSHA1(ctx context.Context, id core.ObjectId) (core.Sha1, error) {
	b, err := s.GetBlob(ctx, id)
	if err != nil {
		return core.Sha1{}, err
	}
	return sha1.Sum(b.Data), nil
}

func (s *FilesystemObjectStore) GetBlobSize(ctx context.Context, id core.ObjectId) (int64, error) {
	relpath, isTree, err := s.relPathOf(id)
	if err != nil {
		return 0, err
	}
	if isTree {
		return 0, core.ErrIsADirectory
	}
	info, err := core.WithRetryResult(ctx, func() (os.FileInfo, error) {
		return s.fs.Stat(relpath)
	}, core.ObjectStoreRetryOptions(ctx)...)
	if err != nil {
		return 0, fmt.Errorf("edenfs/store: stat %q: %w", relpath, err)
	}
	return info.Size(), nil
}

func (s *FilesystemObjectStore) GetRootTree(ctx context.Context, root core.RootId) (*Tree, error) {
	if !root.Equal(s.root) {
		return nil, core.ErrNotFound
	}
	return s.GetTree(ctx, treeObjectID(""))
}

func (s *FilesystemObjectStore) ParseRootID(rawID string) (core.RootId, error) {
	if rawID != s.root.String() {
		return core.RootId{}, core.ErrInvalidPath
	}
	return s.root, nil
}

func (s *FilesystemObjectStore) RenderRootID(root core.RootId) string { return root.String() }

// BijectiveBlobIDs is always false: this store's ObjectIds are derived
// from path, not content, so id equality says nothing about content.
func (s *FilesystemObjectStore) BijectiveBlobIDs() bool { return false }
