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

package core

// MountContext carries the per-mount settings that would otherwise be
// process-global state: case sensitivity of name comparisons and whether
// the backing store's ObjectIds are bijective with blob content.
type MountContext struct {
	// MountID uniquely identifies a live Mount instance. No operation in
	// this module compares MountIDs, so ErrMountGenerationChanged is never
	// returned.
	MountID string

	// CaseSensitive controls name comparison in TreeInode lookups. Diff and
	// checkout entry classification always match names exactly, whatever
	// this setting. It does NOT affect the order in
	// which Tree.Entries is walked, which always follows the ObjectStore's
	// native (case-sensitive) collation; see DESIGN.md's decision to
	// preserve it faithfully.
	CaseSensitive bool

	// BijectiveBlobIDs mirrors the ObjectStore capability flag. DiffEngine
	// does not read this field; it asks the ObjectStore's own
	// BijectiveBlobIDs method instead.
	BijectiveBlobIDs bool
}

// NewMountContext returns a MountContext with the given mount identifier
// and case sensitivity; BijectiveBlobIDs defaults to false (the
// conservative choice: always verify with content hashes).
func NewMountContext(mountID string, caseSensitive bool) *MountContext {
	return &MountContext{MountID: mountID, CaseSensitive: caseSensitive}
}
