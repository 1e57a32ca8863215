// Copyright 2025 Tom Barlow
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

// Package workspace manages per-problem artifact directories. The directory
// tree is the pipeline's idempotency oracle: a stage whose artifacts already
// exist on disk is skipped, and a fresh process reconstructs progress from
// the filesystem alone.
//
// Layout, relative to the store root:
//
//	<user_id>/<workspace_key>/
//	  statement.json
//	  samples/<i>.in  samples/<i>.out
//	  gen/gen.py  gen/<i>.in  gen/<i>.ans
//	  sol/solution.cpp | solution.py
//	  upload/receipt.json
//	  logs/<stage>.log
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tombee/grinder/pkg/problem"
)

// Store manages workspaces under a single root directory.
type Store struct {
	root        string
	zipExcludes []string
}

// Option configures a Store.
type Option func(*Store)

// WithZipExcludes sets doublestar globs excluded from workspace snapshots.
// Patterns match slash-separated paths relative to the workspace directory.
func WithZipExcludes(globs []string) Option {
	return func(s *Store) {
		s.zipExcludes = globs
	}
}

// NewStore opens (creating if needed) the workspace root.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace: root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: failed to create root: %w", err)
	}

	s := &Store{root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// OpenOrCreate returns the workspace for (user, ref), creating the directory
// if it does not exist. Concurrent calls for the same pair converge on the
// same directory.
func (s *Store) OpenOrCreate(userID int64, ref problem.Ref) (*Workspace, error) {
	key := ref.WorkspaceKey()
	dir := filepath.Join(s.root, strconv.FormatInt(userID, 10), key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: failed to create %s: %w", dir, err)
	}

	return &Workspace{
		dir:         dir,
		key:         key,
		userID:      userID,
		zipExcludes: s.zipExcludes,
	}, nil
}
