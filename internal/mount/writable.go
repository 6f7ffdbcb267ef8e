package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/xfeldman/strata/internal/changeset"
)

// WritableChangeset serializes a writable layer into changeset bytes:
// its files and directories become add entries and its whiteout markers
// become whiteout entries. Used to commit a container's writes as a new
// immutable layer. The layer is reserved for the whole walk: a concurrent
// Mount fails with ErrMountConflict instead of mutating mid-serialization.
func (m *Manager) WritableChangeset(id string) ([]byte, error) {
	if err := m.reserve(id); err != nil {
		return nil, fmt.Errorf("changeset %s: %w", id, err)
	}
	defer m.unreserve(id)

	root := m.writableDir(id)
	var entries []changeset.Entry

	err := afero.Walk(m.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		base := filepath.Base(rel)
		if strings.HasPrefix(base, whiteoutPrefix) {
			target := filepath.ToSlash(filepath.Join(filepath.Dir(rel), strings.TrimPrefix(base, whiteoutPrefix)))
			entries = append(entries, changeset.Entry{Path: target, Kind: changeset.KindWhiteout})
			return nil
		}

		if info.IsDir() {
			entries = append(entries, changeset.Entry{Path: rel, Kind: changeset.KindDir, Mode: info.Mode().Perm()})
			return nil
		}
		data, err := afero.ReadFile(m.fs, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		entries = append(entries, changeset.Entry{
			Path: rel,
			Kind: changeset.KindFile,
			Mode: info.Mode().Perm(),
			Data: data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk writable %s: %w", id, err)
	}

	// Whiteouts first so a layer never tombstones its own additions.
	sort.SliceStable(entries, func(i, j int) bool {
		wi := entries[i].Kind == changeset.KindWhiteout
		wj := entries[j].Kind == changeset.KindWhiteout
		return wi && !wj
	})

	return changeset.Build(entries)
}
