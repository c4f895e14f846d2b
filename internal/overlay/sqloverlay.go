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
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/vmihailenco/msgpack/v5"

	_ "github.com/tursodatabase/go-libsql"

	"edenfs/internal/core"
)

// SQLOverlay is the persistent Overlay implementation, storing materialized
// directory/file/symlink state in a SQLite file via bun/libsql. It keeps
// one current row per InodeNumber and relies on SQLite's own transaction
// atomicity for the "old or new, never partial" guarantee, rather than an
// MVCC epoch-versioned schema: the Overlay contract only requires readers
// see old or new, not point-in-time snapshots.
type SQLOverlay struct {
	path string
	db   *sql.DB
	bun  *bun.DB

	inoMu sync.Mutex

	ioMu       sync.Mutex
	ioInFlight int
	ioDone     chan struct{}
}

// OpenSQLOverlay opens (creating if necessary) a SQLite-backed overlay at
// path. busyTimeoutMillis <= 0 uses DefaultBusyTimeoutMillis.
func OpenSQLOverlay(path string, busyTimeoutMillis int) (*SQLOverlay, error) {
	sqlDB, err := sql.Open("libsql", BuildDSN(path, busyTimeoutMillis))
	if err != nil {
		return nil, fmt.Errorf("edenfs/overlay: open %q: %w", path, err)
	}
	if err := applyPragmas(sqlDB, busyTimeoutMillis); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := execStatements(sqlDB, overlaySchema); err != nil {
		sqlDB.Close()
		return nil, err
	}

	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())

	o := &SQLOverlay{path: path, db: sqlDB, bun: bunDB}
	if err := o.ensureCounterInitialized(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return o, nil
}

func (o *SQLOverlay) ensureCounterInitialized(ctx context.Context) error {
	_, err := o.getConfig(ctx, configKeyNextIno)
	if err == nil {
		return nil
	}
	if err != core.ErrNotFound {
		return err
	}
	return o.setConfig(ctx, configKeyNextIno, strconv.FormatUint(uint64(core.FirstAllocatableInodeNumber), 10))
}

func (o *SQLOverlay) getConfig(ctx context.Context, key string) (string, error) {
	m := new(configModel)
	err := core.WithRetry(ctx, func() error {
		return o.bun.NewSelect().Model(m).Where("key = ?", key).Scan(ctx)
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", core.ErrNotFound
		}
		return "", fmt.Errorf("edenfs/overlay: get config %q: %w", key, err)
	}
	return m.Value, nil
}

func (o *SQLOverlay) setConfig(ctx context.Context, key, value string) error {
	m := &configModel{Key: key, Value: value}
	err := core.WithRetry(ctx, func() error {
		_, err := o.bun.NewInsert().Model(m).
			On("CONFLICT (key) DO UPDATE").
			Set("value = EXCLUDED.value").
			Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: set config %q: %w", key, err)
	}
	return nil
}

func (o *SQLOverlay) beginIO() {
	o.ioMu.Lock()
	o.ioInFlight++
	o.ioMu.Unlock()
}

func (o *SQLOverlay) endIO() {
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

// AllocateInodeNumber allocates the next InodeNumber under a serializing
// mutex plus a persisted counter row, so the value survives a restart
// without regressing.
func (o *SQLOverlay) AllocateInodeNumber(ctx context.Context) (core.InodeNumber, error) {
	o.inoMu.Lock()
	defer o.inoMu.Unlock()

	raw, err := o.getConfig(ctx, configKeyNextIno)
	if err != nil {
		return 0, err
	}
	next, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, core.WrapBug("overlay", err, "corrupt next_ino counter %q", raw)
	}
	if err := o.setConfig(ctx, configKeyNextIno, strconv.FormatUint(next+1, 10)); err != nil {
		return 0, err
	}
	return core.InodeNumber(next), nil
}

func (o *SQLOverlay) SaveDir(ctx context.Context, ino core.InodeNumber, contents DirContents) error {
	o.beginIO()
	defer o.endIO()

	encoded, err := msgpack.Marshal(contents.Entries)
	if err != nil {
		return core.WrapBug("overlay", err, "encode dir contents for ino %d", ino)
	}
	m := &dirModel{Ino: int64(ino), Entries: encoded}
	err = core.WithRetry(ctx, func() error {
		_, err := o.bun.NewInsert().Model(m).
			On("CONFLICT (ino) DO UPDATE").
			Set("entries = EXCLUDED.entries").
			Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: save dir %d: %w", ino, err)
	}
	log.Debugf("[overlay] saved dir ino=%d entries=%d", ino, len(contents.Entries))
	return nil
}

func (o *SQLOverlay) LoadDir(ctx context.Context, ino core.InodeNumber) (DirContents, error) {
	m := new(dirModel)
	err := core.WithRetry(ctx, func() error {
		return o.bun.NewSelect().Model(m).Where("ino = ?", int64(ino)).Scan(ctx)
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DirContents{}, core.ErrNotFound
		}
		return DirContents{}, fmt.Errorf("edenfs/overlay: load dir %d: %w", ino, err)
	}
	var entries []DirEntrySnapshot
	if err := msgpack.Unmarshal(m.Entries, &entries); err != nil {
		return DirContents{}, core.WrapBug("overlay", err, "decode dir contents for ino %d", ino)
	}
	return DirContents{Entries: entries}, nil
}

func (o *SQLOverlay) HasDir(ctx context.Context, ino core.InodeNumber) (bool, error) {
	count, err := core.WithRetryResult(ctx, func() (int, error) {
		return o.bun.NewSelect().Model((*dirModel)(nil)).Where("ino = ?", int64(ino)).Count(ctx)
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return false, fmt.Errorf("edenfs/overlay: has dir %d: %w", ino, err)
	}
	return count > 0, nil
}

func (o *SQLOverlay) SaveFile(ctx context.Context, ino core.InodeNumber, data []byte) error {
	o.beginIO()
	defer o.endIO()

	m := &fileModel{Ino: int64(ino), Content: data}
	err := core.WithRetry(ctx, func() error {
		_, err := o.bun.NewInsert().Model(m).
			On("CONFLICT (ino) DO UPDATE").
			Set("content = EXCLUDED.content").
			Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: save file %d: %w", ino, err)
	}
	return nil
}

func (o *SQLOverlay) LoadFile(ctx context.Context, ino core.InodeNumber) ([]byte, error) {
	m := new(fileModel)
	err := core.WithRetry(ctx, func() error {
		return o.bun.NewSelect().Model(m).Where("ino = ?", int64(ino)).Scan(ctx)
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("edenfs/overlay: load file %d: %w", ino, err)
	}
	return m.Content, nil
}

func (o *SQLOverlay) SaveSymlink(ctx context.Context, ino core.InodeNumber, target string) error {
	o.beginIO()
	defer o.endIO()

	m := &symlinkModel{Ino: int64(ino), Target: target}
	err := core.WithRetry(ctx, func() error {
		_, err := o.bun.NewInsert().Model(m).
			On("CONFLICT (ino) DO UPDATE").
			Set("target = EXCLUDED.target").
			Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: save symlink %d: %w", ino, err)
	}
	return nil
}

func (o *SQLOverlay) LoadSymlink(ctx context.Context, ino core.InodeNumber) (string, error) {
	m := new(symlinkModel)
	err := core.WithRetry(ctx, func() error {
		return o.bun.NewSelect().Model(m).Where("ino = ?", int64(ino)).Scan(ctx)
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", core.ErrNotFound
		}
		return "", fmt.Errorf("edenfs/overlay: load symlink %d: %w", ino, err)
	}
	return m.Target, nil
}

func (o *SQLOverlay) RemoveOverlayData(ctx context.Context, ino core.InodeNumber) error {
	err := core.WithRetry(ctx, func() error {
		_, err := o.bun.NewDelete().Model((*dirModel)(nil)).Where("ino = ?", int64(ino)).Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: remove dir %d: %w", ino, err)
	}
	err = core.WithRetry(ctx, func() error {
		_, err := o.bun.NewDelete().Model((*fileModel)(nil)).Where("ino = ?", int64(ino)).Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: remove file %d: %w", ino, err)
	}
	err = core.WithRetry(ctx, func() error {
		_, err := o.bun.NewDelete().Model((*symlinkModel)(nil)).Where("ino = ?", int64(ino)).Exec(ctx)
		return err
	}, core.OverlayRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("edenfs/overlay: remove symlink %d: %w", ino, err)
	}
	return nil
}

func (o *SQLOverlay) RecursivelyRemove(ctx context.Context, ino core.InodeNumber) error {
	dir, err := o.LoadDir(ctx, ino)
	if err == nil {
		for _, e := range dir.Entries {
			if e.SourceID.IsZero() {
				if err := o.RecursivelyRemove(ctx, e.Ino); err != nil {
					return err
				}
			}
		}
	} else if err != core.ErrNotFound {
		return err
	}
	return o.RemoveOverlayData(ctx, ino)
}

func (o *SQLOverlay) WaitForPendingIO(ctx context.Context, timeout time.Duration) error {
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

func (o *SQLOverlay) SaveTakeoverSnapshot(ctx context.Context, data []byte) error {
	return o.setConfig(ctx, configKeyTakeover, string(data))
}

func (o *SQLOverlay) LoadTakeoverSnapshot(ctx context.Context) ([]byte, bool, error) {
	raw, err := o.getConfig(ctx, configKeyTakeover)
	if err != nil {
		if err == core.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (o *SQLOverlay) Close() error {
	return o.db.Close()
}
