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

import "github.com/uptrace/bun"

// configModel is the overlay_config key/value table: the InodeNumber
// counter and the takeover snapshot both live here.
type configModel struct {
	bun.BaseModel `bun:"table:overlay_config"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// dirModel is one row of overlay_dirs: a materialized directory's
// entries, msgpack-encoded into a single blob column (rather than a
// normalized entries table), which keeps SaveDir a single-statement,
// single-row write — what makes it atomic under SQLite's own row-level
// guarantees.
type dirModel struct {
	bun.BaseModel `bun:"table:overlay_dirs"`

	Ino     int64  `bun:"ino,pk"`
	Entries []byte `bun:"entries,notnull"`
}

// fileModel is one row of overlay_files: a materialized file's content.
type fileModel struct {
	bun.BaseModel `bun:"table:overlay_files"`

	Ino     int64  `bun:"ino,pk"`
	Content []byte `bun:"content,notnull"`
}

// symlinkModel is one row of overlay_symlinks: a materialized symlink's
// target path.
type symlinkModel struct {
	bun.BaseModel `bun:"table:overlay_symlinks"`

	Ino    int64  `bun:"ino,pk"`
	Target string `bun:"target,notnull"`
}

const configKeyNextIno = "next_ino"
const configKeyTakeover = "takeover_snapshot"
