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

// Package common holds small path and name helpers shared by the store,
// overlay, inode, checkout, diff and journal packages.
package common

import (
	"path/filepath"
	"strings"
)

// NormalizePath cleans a repository-relative path, stripping leading and
// trailing slashes. The root path normalizes to "".
func NormalizePath(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// SplitPath splits a normalized path into its components. The root path
// splits to nil.
func SplitPath(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath joins path components and normalizes the result.
func JoinPath(parts ...string) string {
	return NormalizePath(filepath.Join(parts...))
}

// ParentPath returns the parent of a normalized path, or "" for the root
// and for top-level entries.
func ParentPath(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the final path component.
func BaseName(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

// EqualNames compares two path components for equality under the given
// case sensitivity. Case-insensitive comparison uses simple ASCII/Unicode
// case folding via strings.EqualFold, matching the source-control tree's
// own name-collation assumptions (see CaseSensitivity in package core).
func EqualNames(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}
