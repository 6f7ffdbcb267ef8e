// Package mount presents a read-only layer chain plus one writable layer as
// a single merged filesystem view, with copy-on-write semantics.
//
// Path resolution is first-writer-wins scanning top to bottom: the writable
// layer has highest priority, then the chain from newest to base. A whiteout
// in any layer hides the path and everything beneath it in lower layers.
// Each path resolves to exactly one of three states: present, deleted
// (tombstoned), or absent.
//
// The read-only chain is merged once at mount time into an in-memory index;
// read-only layers are never mutated, so the index stays valid for the
// mount's lifetime. The writable layer lives on disk (via afero) so that a
// stopped container's writes survive and a re-mount of the same chain +
// writable layer reconstructs the identical view.
package mount

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/xfeldman/strata/internal/changeset"
	"github.com/xfeldman/strata/internal/layerstore"
)

// ErrMountConflict is returned when a mount is requested for a writable
// layer that is already mounted. Safe to retry after the active mount is
// torn down.
var ErrMountConflict = errors.New("writable layer already mounted")

// ErrClosed is returned for operations against an unmounted handle.
var ErrClosed = errors.New("mount is closed")

// whiteoutPrefix marks persisted deletions inside a writable layer
// directory, mirroring the changeset wire convention.
const whiteoutPrefix = ".wh."

// State classifies a path's visibility in a merged view.
type State int

const (
	// Absent: no layer defines the path.
	Absent State = iota
	// Present: the topmost defining layer provides content.
	Present
	// Deleted: the topmost defining layer tombstones the path.
	Deleted
)

// Info describes a visible path in the merged view.
type Info struct {
	Path string
	Kind changeset.Kind
	Mode os.FileMode
	Size int64
}

// Manager owns writable layers and active mounts.
type Manager struct {
	store *layerstore.Store
	fs    afero.Fs
	root  string // writable layers live at {root}/{id}/

	mu     sync.Mutex
	active map[string]*Mount // writable ID → live mount
}

// NewManager creates a mount manager whose writable layers live under root
// on the host filesystem.
func NewManager(store *layerstore.Store, root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create writable root: %w", err)
	}
	return &Manager{
		store:  store,
		fs:     afero.NewOsFs(),
		root:   root,
		active: make(map[string]*Mount),
	}, nil
}

// CreateWritable allocates an empty writable layer directory.
func (m *Manager) CreateWritable(id string) error {
	return m.fs.MkdirAll(m.writableDir(id), 0700)
}

// RemoveWritable deletes a writable layer's storage. The layer must not be
// mounted.
func (m *Manager) RemoveWritable(id string) error {
	m.mu.Lock()
	_, mounted := m.active[id]
	m.mu.Unlock()
	if mounted {
		return fmt.Errorf("remove writable %s: %w", id, ErrMountConflict)
	}
	return m.fs.RemoveAll(m.writableDir(id))
}

// WritableSize returns the total byte size of a writable layer's content.
func (m *Manager) WritableSize(id string) (int64, error) {
	var size int64
	err := afero.Walk(m.fs, m.writableDir(id), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// Mount constructs the merged view of an ordered chain (base → top) under
// the writable layer. Fails with ErrMountConflict if the writable layer is
// already mounted.
func (m *Manager) Mount(chain []string, writableID string) (*Mount, error) {
	index, err := m.buildIndex(chain)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[writableID]; ok {
		return nil, fmt.Errorf("mount %s: %w", writableID, ErrMountConflict)
	}

	dir := m.writableDir(writableID)
	if err := m.fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("writable dir: %w", err)
	}

	mnt := &Mount{
		mgr:        m,
		writableID: writableID,
		index:      index,
		wfs:        afero.NewBasePathFs(m.fs, dir),
		copiedUp:   make(map[string]bool),
	}
	m.active[writableID] = mnt
	return mnt, nil
}

// Unmount tears down a merged view after draining in-flight operations.
// The writable layer's data persists; only the view goes away.
func (m *Manager) Unmount(mnt *Mount) {
	mnt.mu.Lock()
	if mnt.closed {
		mnt.mu.Unlock()
		return
	}
	mnt.closed = true
	mnt.mu.Unlock()

	mnt.ops.Wait() // drain in-flight reads and writes

	m.mu.Lock()
	delete(m.active, mnt.writableID)
	m.mu.Unlock()
}

// buildIndex merges a chain's changesets base → top into a path index.
// Within one layer, whiteouts apply before additions so a layer can never
// tombstone its own entries.
func (m *Manager) buildIndex(chain []string) (map[string]indexEntry, error) {
	index := make(map[string]indexEntry)

	for _, digest := range chain {
		diff, err := m.store.Get(digest)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", digest, err)
		}
		cs, err := changeset.Parse(diff)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", digest, err)
		}

		for _, e := range cs.Entries {
			switch e.Kind {
			case changeset.KindWhiteout:
				dropSubtree(index, e.Path)
				index[e.Path] = indexEntry{state: Deleted}
			case changeset.KindOpaque:
				dropChildren(index, e.Path)
			}
		}
		for _, e := range cs.Entries {
			switch e.Kind {
			case changeset.KindFile, changeset.KindDir, changeset.KindSymlink:
				index[e.Path] = indexEntry{state: Present, entry: e}
			}
		}
	}

	return index, nil
}

func (m *Manager) writableDir(id string) string {
	return path.Join(m.root, id)
}

// reserve claims a writable ID without mounting it, so operations that read
// the layer directly (changeset serialization) exclude concurrent mounts.
// A nil entry in the active map marks a reservation.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return ErrMountConflict
	}
	m.active[id] = nil
	return nil
}

func (m *Manager) unreserve(id string) {
	m.mu.Lock()
	if mnt, ok := m.active[id]; ok && mnt == nil {
		delete(m.active, id)
	}
	m.mu.Unlock()
}

type indexEntry struct {
	state State
	entry changeset.Entry
}

// dropSubtree removes a path and all entries beneath it.
func dropSubtree(index map[string]indexEntry, p string) {
	delete(index, p)
	dropChildren(index, p)
}

// dropChildren removes all entries strictly beneath a directory path.
func dropChildren(index map[string]indexEntry, dir string) {
	prefix := dir + "/"
	if dir == "" {
		prefix = ""
	}
	for k := range index {
		if strings.HasPrefix(k, prefix) && k != dir {
			delete(index, k)
		}
	}
}

// Mount is a live merged view. All methods are safe for concurrent use;
// mutations of the writable layer serialize on the mount's write lock so
// concurrent writers to one path perform exactly one copy-up and settle on
// last-write-wins content.
type Mount struct {
	mgr        *Manager
	writableID string
	index      map[string]indexEntry // read-only after construction
	wfs        afero.Fs

	mu       sync.Mutex // guards writable mutations, copiedUp, closed
	closed   bool
	copiedUp map[string]bool // paths copied up this mount session
	ops      sync.WaitGroup
}

// WritableID returns the ID of the mount's writable layer.
func (mnt *Mount) WritableID() string {
	return mnt.writableID
}

// begin registers an in-flight operation; unmount drains before tearing
// down. Returns ErrClosed once teardown has started.
func (mnt *Mount) begin() (func(), error) {
	mnt.mu.Lock()
	defer mnt.mu.Unlock()
	if mnt.closed {
		return nil, ErrClosed
	}
	mnt.ops.Add(1)
	return mnt.ops.Done, nil
}

// Read returns the visible content of a file path. Deleted and absent paths
// report fs.ErrNotExist.
func (mnt *Mount) Read(p string) ([]byte, error) {
	done, err := mnt.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	rel, err := changeset.CleanPath(p)
	if err != nil {
		return nil, err
	}

	state, entry, inWritable := mnt.resolve(rel)
	switch state {
	case Present:
		if inWritable {
			return afero.ReadFile(mnt.wfs, rel)
		}
		if entry.Kind != changeset.KindFile {
			return nil, fmt.Errorf("read %s: not a regular file", p)
		}
		return append([]byte(nil), entry.Data...), nil
	default:
		return nil, fmt.Errorf("read %s: %w", p, fs.ErrNotExist)
	}
}

// Stat reports a path's visible state and, when present, its description.
func (mnt *Mount) Stat(p string) (State, *Info, error) {
	done, err := mnt.begin()
	if err != nil {
		return Absent, nil, err
	}
	defer done()

	rel, err := changeset.CleanPath(p)
	if err != nil {
		return Absent, nil, err
	}

	state, entry, inWritable := mnt.resolve(rel)
	if state != Present {
		return state, nil, nil
	}

	if inWritable {
		fi, err := mnt.wfs.Stat(rel)
		if err != nil {
			return Absent, nil, err
		}
		kind := changeset.KindFile
		if fi.IsDir() {
			kind = changeset.KindDir
		}
		return Present, &Info{Path: rel, Kind: kind, Mode: fi.Mode(), Size: fi.Size()}, nil
	}
	return Present, &Info{
		Path: rel,
		Kind: entry.Kind,
		Mode: entry.Mode,
		Size: int64(len(entry.Data)),
	}, nil
}

// ReadDir lists the visible names in a directory, merged additively across
// all layers: a name appears if any layer defines it and no higher layer
// tombstones it. Names are sorted.
func (mnt *Mount) ReadDir(p string) ([]string, error) {
	done, err := mnt.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	rel, err := changeset.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if rel != "" {
		if state, _, _ := mnt.resolve(rel); state != Present {
			return nil, fmt.Errorf("readdir %s: %w", p, fs.ErrNotExist)
		}
	}

	names := make(map[string]bool)
	tombstoned := make(map[string]bool)

	// Writable layer wins: collect its entries and whiteout markers first.
	if entries, err := afero.ReadDir(mnt.wfs, rel); err == nil {
		for _, fi := range entries {
			name := fi.Name()
			if strings.HasPrefix(name, whiteoutPrefix) {
				tombstoned[strings.TrimPrefix(name, whiteoutPrefix)] = true
				continue
			}
			names[name] = true
		}
	}

	// Then the chain index, unless the directory itself is hidden.
	if !mnt.writableHides(rel) {
		prefix := rel + "/"
		if rel == "" {
			prefix = ""
		}
		for k, ie := range mnt.index {
			if !strings.HasPrefix(k, prefix) || k == rel {
				continue
			}
			name := strings.TrimPrefix(k, prefix)
			if strings.Contains(name, "/") {
				continue // deeper than one level
			}
			if tombstoned[name] {
				continue
			}
			if ie.state == Present {
				names[name] = true
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Write replaces a file's content in the writable layer. If the path is
// visible only in a read-only layer, its content is first copied up so all
// later reads resolve to the writable layer; the copy-up happens at most
// once per path per mount session.
func (mnt *Mount) Write(p string, data []byte) error {
	done, err := mnt.begin()
	if err != nil {
		return err
	}
	defer done()

	rel, err := changeset.CleanPath(p)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("write: empty path")
	}

	mnt.mu.Lock()
	defer mnt.mu.Unlock()

	// A write cannot land beneath a tombstoned directory: clearing the
	// ancestor's whiteout would un-hide all lower-layer content under it.
	if parent := path.Dir(rel); parent != "." && mnt.writableHides(parent) {
		return fmt.Errorf("write %s: parent directory is deleted: %w", p, fs.ErrNotExist)
	}

	if err := mnt.wfs.MkdirAll(path.Dir(rel), 0755); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}

	// A prior deletion in this writable layer is cancelled by re-creating
	// the path; the lower-layer content stays hidden because the new file
	// shadows it.
	marker := whiteoutMarker(rel)
	if ok, _ := afero.Exists(mnt.wfs, marker); ok {
		if err := mnt.wfs.Remove(marker); err != nil {
			return fmt.Errorf("clear whiteout %s: %w", p, err)
		}
	} else if err := mnt.copyUp(rel); err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if fi, err := mnt.wfs.Stat(rel); err == nil {
		mode = fi.Mode()
	}
	if err := afero.WriteFile(mnt.wfs, rel, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Delete tombstones a path: the writable copy (if any) is removed and a
// whiteout marker is persisted so the path stays hidden across re-mounts,
// whether or not any lower layer defines it.
func (mnt *Mount) Delete(p string) error {
	done, err := mnt.begin()
	if err != nil {
		return err
	}
	defer done()

	rel, err := changeset.CleanPath(p)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("delete: empty path")
	}

	mnt.mu.Lock()
	defer mnt.mu.Unlock()

	if err := mnt.wfs.RemoveAll(rel); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if err := mnt.wfs.MkdirAll(path.Dir(rel), 0755); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	f, err := mnt.wfs.Create(whiteoutMarker(rel))
	if err != nil {
		return fmt.Errorf("whiteout %s: %w", p, err)
	}
	return f.Close()
}

// copyUp copies a read-only layer's file into the writable layer before its
// first mutation. Caller holds mnt.mu.
func (mnt *Mount) copyUp(rel string) error {
	if mnt.copiedUp[rel] {
		return nil
	}
	if ok, _ := afero.Exists(mnt.wfs, rel); ok {
		return nil // already materialized in the writable layer
	}
	ie, ok := mnt.index[rel]
	if !ok || ie.state != Present || ie.entry.Kind != changeset.KindFile {
		return nil // nothing to copy up
	}
	if err := afero.WriteFile(mnt.wfs, rel, ie.entry.Data, ie.entry.Mode); err != nil {
		return fmt.Errorf("copy-up %s: %w", rel, err)
	}
	mnt.copiedUp[rel] = true
	return nil
}

// resolve scans top-down: writable layer first, then the merged chain
// index. inWritable reports whether the winning entry lives in the writable
// layer (content must then be read from disk, not the index).
func (mnt *Mount) resolve(rel string) (State, changeset.Entry, bool) {
	if mnt.writableHides(rel) {
		return Deleted, changeset.Entry{}, false
	}
	if rel != "" {
		if ok, _ := afero.Exists(mnt.wfs, rel); ok {
			return Present, changeset.Entry{}, true
		}
	}
	if ie, ok := mnt.index[rel]; ok {
		return ie.state, ie.entry, false
	}
	return Absent, changeset.Entry{}, false
}

// writableHides reports whether the writable layer tombstones rel, either
// directly or via a whiteout on one of its ancestors.
func (mnt *Mount) writableHides(rel string) bool {
	for p := rel; p != ""; {
		if ok, _ := afero.Exists(mnt.wfs, whiteoutMarker(p)); ok {
			return true
		}
		parent := path.Dir(p)
		if parent == "." || parent == p {
			break
		}
		p = parent
	}
	return false
}

func whiteoutMarker(rel string) string {
	return path.Join(path.Dir(rel), whiteoutPrefix+path.Base(rel))
}
