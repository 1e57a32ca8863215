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

package workspace

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SnapshotZip streams the workspace directory as a zip archive. Entry names
// are slash-separated paths relative to the workspace directory, entries are
// stored mode 0644, and the configured exclude globs are applied. In-flight
// temp files from atomic writes are always skipped.
func (w *Workspace) SnapshotZip(out io.Writer) error {
	zw := zip.NewWriter(out)
	if err := w.SnapshotTo(zw, ""); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// SnapshotTo writes the workspace's files into an already-open zip writer,
// each entry name prefixed with prefix. It does not close the writer, so a
// caller can pack several workspaces into one archive.
func (w *Workspace) SnapshotTo(zw *zip.Writer, prefix string) error {
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(w.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if strings.HasSuffix(name, ".tmp") {
			return nil
		}
		for _, pattern := range w.zipExcludes {
			match, err := doublestar.Match(pattern, name)
			if err != nil {
				return fmt.Errorf("workspace: bad exclude pattern %q: %w", pattern, err)
			}
			if match {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = prefix + name
		hdr.Method = zip.Deflate
		hdr.SetMode(0o644)

		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("workspace: snapshot failed: %w", err)
	}
	return nil
}

// TestDataZip packages the generated cases for upload. Entries are flat
// <i>.in / <i>.ans pairs; an empty input file becomes a single newline so
// backends that reject zero-byte files still accept the archive.
func (w *Workspace) TestDataZip() ([]byte, error) {
	cases, err := w.GeneratedCases()
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("workspace: no generated cases to package")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, c := range cases {
		n := strconv.Itoa(c.Index)
		in, err := os.ReadFile(c.InPath)
		if err != nil {
			return nil, fmt.Errorf("workspace: failed to read case input: %w", err)
		}
		if len(in) == 0 {
			in = []byte("\n")
		}
		if err := addZipEntry(zw, n+".in", in); err != nil {
			return nil, err
		}

		ans, err := os.ReadFile(c.AnsPath)
		if err != nil {
			return nil, fmt.Errorf("workspace: failed to read case answer: %w", err)
		}
		if err := addZipEntry(zw, n+".ans", ans); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("workspace: failed to finish test data zip: %w", err)
	}
	return buf.Bytes(), nil
}

func addZipEntry(zw *zip.Writer, name string, data []byte) error {
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("workspace: failed to create zip entry %s: %w", name, err)
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("workspace: failed to write zip entry %s: %w", name, err)
	}
	return nil
}
