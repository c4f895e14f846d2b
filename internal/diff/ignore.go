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

package diff

import (
	"context"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"edenfs/internal/inode"
	"edenfs/internal/store"
)

// IgnoreStack is a chain of .gitignore-style scopes, one per directory
// level walked so far. Each level's rules apply to every path
// beneath it; a child directory's own .gitignore only ever adds rules, it
// never removes an ancestor's.
type IgnoreStack struct {
	parent    *IgnoreStack
	scopePath string
	matcher   *gitignore.GitIgnore
}

// NewIgnoreStack returns the root scope. lines seeds it with a fixed set
// of always-applied patterns (e.g. VCS metadata directories); pass nil for
// none.
func NewIgnoreStack(lines []string) *IgnoreStack {
	s := &IgnoreStack{}
	if len(lines) > 0 {
		s.matcher = gitignore.CompileIgnoreLines(lines...)
	}
	return s
}

// Descend returns the ignore scope to use for dir's children, reading a
// ".gitignore" entry out of dir if one exists. If dir has no .gitignore,
// Descend returns s unchanged (no new allocation on the common path).
func (s *IgnoreStack) Descend(ctx context.Context, dir *inode.TreeInode, path string) (*IgnoreStack, error) {
	entries, err := dir.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	hasGitignore := false
	for i := range entries {
		if entries[i].Name == ".gitignore" && entries[i].Type.IsFile() {
			hasGitignore = true
			break
		}
	}
	if !hasGitignore {
		return s, nil
	}
	data, err := readGitignore(ctx, dir)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	return &IgnoreStack{parent: s, scopePath: path, matcher: gitignore.CompileIgnoreLines(lines...)}, nil
}

// DescendTree is Descend's counterpart for a tree that lives purely in the
// ObjectStore, with no loaded TreeInode: it reads ".gitignore" straight out
// of tree instead of through an inode, letting an unmaterialized subtree
// diff apply ignore rules without materializing anything.
func (s *IgnoreStack) DescendTree(ctx context.Context, st store.ObjectStore, tree *store.Tree, path string) (*IgnoreStack, error) {
	te, ok := tree.Lookup(".gitignore", true)
	if !ok || !te.Type.IsFile() {
		return s, nil
	}
	blob, err := st.GetBlob(ctx, te.ID)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(blob.Data), "\n")
	return &IgnoreStack{parent: s, scopePath: path, matcher: gitignore.CompileIgnoreLines(lines...)}, nil
}

func readGitignore(ctx context.Context, dir *inode.TreeInode) ([]byte, error) {
	child, err := dir.LoadChild(ctx, ".gitignore")
	if err != nil {
		return nil, err
	}
	f, ok := child.(*inode.FileInode)
	if !ok {
		return nil, nil
	}
	size, err := f.Size(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(ctx, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// Matches reports whether path (relative to the diff root) is ignored by
// this scope or any ancestor scope. name is not consulted.
func (s *IgnoreStack) Matches(path, name string) bool {
	for scope := s; scope != nil; scope = scope.parent {
		if scope.matcher == nil {
			continue
		}
		rel := path
		if scope.scopePath != "" {
			rel = strings.TrimPrefix(path, scope.scopePath+"/")
		}
		if scope.matcher.MatchesPath(rel) {
			return true
		}
	}
	return false
}
