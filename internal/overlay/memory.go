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

package overlay

import (
	"context"
	"sync"
	"time"

	"edenfs/internal/core"
)

// MemoryOverlay is an in-memory Overlay, the default test double. It
// implements the same atomicity and idempotence contract as SQLOverlay: a
// single mutex over all record classes stands in for the SQLite transaction
// boundary the production implementation relies on.
type MemoryOverlay struct {
	mu       sync.Mutex
	nextIno  core.InodeNumber
	dirs     map[core.InodeNumber]DirContents
	files    map[core.InodeNumber][]byte
	symlinks map[core.InodeNumber]string
	takeover []byte
	hasTake  bool

	ioMu      sync.Mutex
	ioInFlight int
	ioDone     chan struct{}
}

// NewMemoryOverlay creates an empty in-memory overlay. InodeNumber
// allocation starts at core.FirstAllocatableInodeNumber, leaving the root
// number reserved.
func NewMemoryOverlay() *MemoryOverlay {
	return &MemoryOverlay{
		nextIno:  core.FirstAllocatableInodeNumber,
		dirs:     make(map[core.InodeNumber]DirContents),
		files:    make(map[core.InodeNumber][]byte),
		symlinks: make(map[core.InodeNumber]string),
	}
}

func (o *MemoryOverlay) beginIO() {
	o.ioMu.Lock()
	o.ioInFlight++
	o.ioMu.Unlock()
}

func (o *MemoryOverlay) endIO() {
	o.ioMu.Lock()
	o.ioInFlight--
	done := o.ioInFlight == 0
	ch := o.ioDone
	if done {
		o.ioDone = nil
	}
	o.ioMu.Unlock()
	if done && ch != nil {
		close(ch)
	}
}

func (o *MemoryOverlay) AllocateInodeNumber(_ context.Context) (core.InodeNumber, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ino := o.nextIno
	o.nextIno++
	return ino, nil
}

func (o *MemoryOverlay) SaveDir(_ context.Context, ino core.InodeNumber, contents DirContents) error {
	o.beginIO()
	defer o.endIO()
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]DirEntrySnapshot, len(contents.Entries))
	copy(cp, contents.Entries)
	o.dirs[ino] = DirContents{Entries: cp}
	return nil
}

func (o *MemoryOverlay) LoadDir(_ context.Context, ino core.InodeNumber) (DirContents, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.dirs[ino]
	if !ok {
		return DirContents{}, core.ErrNotFound
	}
	cp := make([]DirEntrySnapshot, len(d.Entries))
	copy(cp, d.Entries)
	return DirContents{Entries: cp}, nil
}

func (o *MemoryOverlay) HasDir(_ context.Context, ino core.InodeNumber) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.dirs[ino]
	return ok, nil
}

func (o *MemoryOverlay) SaveFile(_ context.Context, ino core.InodeNumber, data []byte) error {
	o.beginIO()
	defer o.endIO()
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := append([]byte(nil), data...)
	o.files[ino] = cp
	return nil
}

func (o *MemoryOverlay) LoadFile(_ context.Context, ino core.InodeNumber) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.files[ino]
	if !ok {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (o *MemoryOverlay) SaveSymlink(_ context.Context, ino core.InodeNumber, target string) error {
	o.beginIO()
	defer o.endIO()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.symlinks[ino] = target
	return nil
}

func (o *MemoryOverlay) LoadSymlink(_ context.Context, ino core.InodeNumber) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	target, ok := o.symlinks[ino]
	if !ok {
		return "", core.ErrNotFound
	}
	return target, nil
}

func (o *MemoryOverlay) RemoveOverlayData(_ context.Context, ino core.InodeNumber) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.dirs, ino)
	delete(o.files, ino)
	delete(o.symlinks, ino)
	return nil
}

func (o *MemoryOverlay) RecursivelyRemove(ctx context.Context, ino core.InodeNumber) error {
	o.mu.Lock()
	dir, isDir := o.dirs[ino]
	o.mu.Unlock()

	if isDir {
		for _, e := range dir.Entries {
			if e.SourceID.IsZero() {
				if err := o.RecursivelyRemove(ctx, e.Ino); err != nil {
					return err
				}
			}
		}
	}
	return o.RemoveOverlayData(ctx, ino)
}

func (o *MemoryOverlay) WaitForPendingIO(ctx context.Context, timeout time.Duration) error {
	o.ioMu.Lock()
	if o.ioInFlight == 0 {
		o.ioMu.Unlock()
		return nil
	}
	if o.ioDone == nil {
		o.ioDone = make(chan struct{})
	}
	ch := o.ioDone
	o.ioMu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return core.NewBug("overlay", "timed out waiting for pending IO after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *MemoryOverlay) SaveTakeoverSnapshot(_ context.Context, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.takeover = append([]byte(nil), data...)
	o.hasTake = true
	return nil
}

func (o *MemoryOverlay) LoadTakeoverSnapshot(_ context.Context) ([]byte, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasTake {
		return nil, false, nil
	}
	return append([]byte(nil), o.takeover...), true, nil
}

func (o *MemoryOverlay) Close() error { return nil }
