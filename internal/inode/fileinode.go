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
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"edenfs/internal/core"
)

// FileInode is a loaded regular file, executable file, or symlink (spec
// §3, §4.1). Content lives either in the Overlay (materialized) or is
// fetched on demand from the ObjectStore blob named by sourceID.
type FileInode struct {
	baseInode

	svc *Services

	mu       sync.RWMutex
	sourceID core.ObjectId
	typ      core.EntryType
	mode     uint32
}

func (f *FileInode) isInode() {}

// Type returns the entry type: regular file, executable file, or symlink.
func (f *FileInode) Type() core.EntryType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.typ
}

// Mode returns the cached permission bits.
func (f *FileInode) Mode() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

// IsMaterialized reports whether this file's content lives in the Overlay.
func (f *FileInode) IsMaterialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sourceID.IsZero()
}

// SourceID returns the blob this file currently mirrors, or the zero
// ObjectId if materialized.
func (f *FileInode) SourceID() core.ObjectId {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sourceID
}

// Size returns the file's current byte length.
func (f *FileInode) Size(ctx context.Context) (int64, error) {
	f.mu.RLock()
	sourceID := f.sourceID
	f.mu.RUnlock()
	if sourceID.IsZero() {
		data, err := f.svc.Overlay.LoadFile(ctx, f.ino)
		if err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	}
	return f.svc.Store.GetBlobSize(ctx, sourceID)
}

// ReadAt returns up to len(p) bytes starting at offset. It never returns a
// short read except at end-of-file, matching io.ReaderAt's contract, but
// does not implement io.ReaderAt directly since it needs a context.
func (f *FileInode) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	content, err := f.contents(ctx)
	if err != nil {
		return 0, err
	}
	if offset >= int64(len(content)) {
		return 0, nil
	}
	n := copy(p, content[offset:])
	return n, nil
}

func (f *FileInode) contents(ctx context.Context) ([]byte, error) {
	f.mu.RLock()
	sourceID := f.sourceID
	f.mu.RUnlock()
	if sourceID.IsZero() {
		return f.svc.Overlay.LoadFile(ctx, f.ino)
	}
	blob, err := f.svc.Store.GetBlob(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return blob.Data, nil
}

// WriteAt materializes the file (if not already) and writes data at
// offset, extending the file if necessary: any write materializes.
func (f *FileInode) WriteAt(ctx context.Context, data []byte, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, err := f.ensureMaterializedLocked(ctx)
	if err != nil {
		return err
	}
	end := offset + int64(len(data))
	if end > int64(len(content)) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[offset:], data)
	if err := f.svc.Overlay.SaveFile(ctx, f.ino, content); err != nil {
		return fmt.Errorf("edenfs/inode: write file %d: %w", f.ino, err)
	}
	return nil
}

// Truncate materializes the file (if not already) and sets its length.
func (f *FileInode) Truncate(ctx context.Context, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, err := f.ensureMaterializedLocked(ctx)
	if err != nil {
		return err
	}
	if size <= int64(len(content)) {
		content = content[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, content)
		content = grown
	}
	if err := f.svc.Overlay.SaveFile(ctx, f.ino, content); err != nil {
		return fmt.Errorf("edenfs/inode: truncate file %d: %w", f.ino, err)
	}
	return nil
}

// ensureMaterializedLocked returns this file's current content, copying it
// from the ObjectStore into the Overlay first if it was still
// unmaterialized. Callers must hold f.mu for writing.
func (f *FileInode) ensureMaterializedLocked(ctx context.Context) ([]byte, error) {
	if f.sourceID.IsZero() {
		content, err := f.svc.Overlay.LoadFile(ctx, f.ino)
		if err != nil {
			return nil, err
		}
		return content, nil
	}
	blob, err := f.svc.Store.GetBlob(ctx, f.sourceID)
	if err != nil {
		return nil, err
	}
	if err := f.svc.Overlay.SaveFile(ctx, f.ino, blob.Data); err != nil {
		return nil, fmt.Errorf("edenfs/inode: materialize file %d: %w", f.ino, err)
	}
	f.sourceID = core.ObjectId{}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[inode] materialized file ino=%d", f.ino)
	}

	parent := f.Parent()
	if parent != nil {
		if err := parent.childMaterialized(ctx, f.Name()); err != nil {
			return nil, err
		}
	}
	return blob.Data, nil
}

// ReadSymlink returns a symlink's target. Type() must be
// core.EntryTypeSymlink.
func (f *FileInode) ReadSymlink(ctx context.Context) (string, error) {
	f.mu.RLock()
	sourceID := f.sourceID
	f.mu.RUnlock()
	if sourceID.IsZero() {
		return f.svc.Overlay.LoadSymlink(ctx, f.ino)
	}
	blob, err := f.svc.Store.GetBlob(ctx, sourceID)
	if err != nil {
		return "", err
	}
	return string(blob.Data), nil
}

// TryDematerializeFile mirrors TreeInode.TryDematerialize for a file: it
// succeeds only when the file's current content is byte-for-byte equal to
// targetID's blob, letting CheckoutEngine flip a reconciled materialized
// file back to mirroring the ObjectStore. The parent's DirEntry is updated
// to point at targetID as well.
func (f *FileInode) TryDematerializeFile(ctx context.Context, targetID core.ObjectId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasMaterialized := f.sourceID.IsZero()
	if wasMaterialized {
		content, err := f.svc.Overlay.LoadFile(ctx, f.ino)
		if err != nil {
			return false, err
		}
		blob, err := f.svc.Store.GetBlob(ctx, targetID)
		if err != nil {
			return false, err
		}
		if string(content) != string(blob.Data) {
			return false, nil
		}
	} else if !f.sourceID.Equal(targetID) {
		return false, nil
	}
	f.sourceID = targetID
	if parent := f.Parent(); wasMaterialized && parent != nil {
		parent.contentsMu.Lock()
		defer parent.contentsMu.Unlock()
		if e, ok := parent.lookupEntryLocked(f.Name()); ok && e.Ino == f.ino {
			e.SourceID = targetID
			if parent.sourceID.IsZero() {
				if err := f.svc.Overlay.SaveDir(ctx, parent.ino, parent.snapshotContentsLocked()); err != nil {
					return false, err
				}
			}
		}
	}
	return true, nil
}
