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

package common_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"edenfs/internal/common"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", common.NormalizePath("/"))
	assert.Equal(t, "", common.NormalizePath(""))
	assert.Equal(t, "a/b", common.NormalizePath("/a/b/"))
	assert.Equal(t, "a/b", common.NormalizePath("a//b"))
}

func TestSplitAndJoinPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b", "c"}, common.SplitPath("/a/b/c"))
	assert.Nil(t, common.SplitPath(""))
	assert.Equal(t, "a/b", common.JoinPath("a", "b"))
}

func TestParentAndBaseName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a/b", common.ParentPath("a/b/c"))
	assert.Equal(t, "", common.ParentPath("c"))
	assert.Equal(t, "", common.ParentPath(""))
	assert.Equal(t, "c", common.BaseName("a/b/c"))
}

func TestEqualNames(t *testing.T) {
	t.Parallel()
	assert.True(t, common.EqualNames("README.md", "README.md", true))
	assert.False(t, common.EqualNames("README.md", "readme.md", true))
	assert.True(t, common.EqualNames("README.md", "readme.md", false))
}
