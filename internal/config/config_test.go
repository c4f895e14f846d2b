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

package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edenfs/internal/config"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	assert.True(t, cfg.CaseSensitive)
	assert.Greater(t, cfg.JournalBudgetBytes, int64(0))
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := config.Default()
	cfg.CaseSensitive = false
	cfg.JournalBudgetBytes = 1024

	require.NoError(t, config.Save(path, cfg))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.CaseSensitive)
	assert.Equal(t, int64(1024), loaded.JournalBudgetBytes)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
