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

// Package config loads the small set of ambient settings the inode core
// itself owns (cache sizing, journal budget, retry policy, case
// sensitivity). Mount discovery, CLI flags, and privileged mount-helper
// configuration live outside this module.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable knobs of a Mount, loaded from a small YAML
// document.
type Config struct {
	// CaseSensitive controls TreeInode name comparison.
	CaseSensitive bool `yaml:"case_sensitive"`

	// AttrCacheTTL is the freshness window for cached InodeOrTreeOrEntry
	// fast-path lookups.
	AttrCacheTTL time.Duration `yaml:"attr_cache_ttl"`
	// AttrCacheMaxEntries bounds the fast-path lookup cache's size.
	AttrCacheMaxEntries int `yaml:"attr_cache_max_entries"`

	// JournalBudgetBytes bounds the Journal's in-memory record buffer.
	// Once exceeded, oldest records are evicted and subsequent
	// accumulate_range calls spanning the eviction report IsTruncated.
	JournalBudgetBytes int64 `yaml:"journal_budget_bytes"`

	// OverlayBusyTimeoutMillis is the SQLite busy_timeout used by
	// SQLOverlay.
	OverlayBusyTimeoutMillis int `yaml:"overlay_busy_timeout_millis"`

	// PendingIOTimeout bounds how long WaitForPendingIO-style sync calls
	// wait before giving up.
	PendingIOTimeout time.Duration `yaml:"pending_io_timeout"`
}

// Default returns the settings a Mount uses absent a config file.
func Default() *Config {
	return &Config{
		CaseSensitive:            true,
		AttrCacheTTL:             30 * time.Millisecond,
		AttrCacheMaxEntries:      10000,
		JournalBudgetBytes:       8 << 20,
		OverlayBusyTimeoutMillis: 30000,
		PendingIOTimeout:         5 * time.Second,
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits from Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("edenfs/config: read %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("edenfs/config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("edenfs/config: encode: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
