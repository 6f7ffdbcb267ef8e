// Package layerstore provides content-addressed storage for immutable
// filesystem layer diffs ({root}/sha256_{hex}.tar).
//
// A layer's digest covers both its diff bytes and its parent linkage, so
// identical diffs from identical parents deduplicate to one stored copy
// while identical diffs atop different parents remain distinct layers.
package layerstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/strata/internal/changeset"
	"github.com/xfeldman/strata/internal/metadata"
)

// ErrNotFound is returned when a requested digest is not in the store.
var ErrNotFound = errors.New("layer not found")

// ErrCorruptInput is returned when diff bytes do not parse as a changeset.
var ErrCorruptInput = errors.New("corrupt changeset input")

// ErrInUse is returned by Delete when the reference tracker still reports a
// positive count. A correct caller never triggers this; it indicates a
// sequencing bug, not a transient condition.
var ErrInUse = errors.New("layer still referenced")

// RefCounter reports the live reference count for a layer digest.
// Implemented by the refcount tracker; wired after construction because the
// tracker's sweeper in turn calls back into Delete.
type RefCounter interface {
	Count(digest string) int64
}

// Store is a content-addressed layer store backed by the filesystem for
// diff payloads and the metadata DB for layer records.
type Store struct {
	root string
	meta *metadata.DB

	mu   sync.Mutex // guards refs pointer and the per-digest lock table
	refs RefCounter
	busy map[string]*sync.Mutex
}

// New creates a layer store rooted at dir.
func New(dir string, meta *metadata.DB) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create layer dir: %w", err)
	}
	return &Store{
		root: dir,
		meta: meta,
		busy: make(map[string]*sync.Mutex),
	}, nil
}

// SetRefCounter wires the reference tracker. Must be called before Delete.
func (s *Store) SetRefCounter(rc RefCounter) {
	s.mu.Lock()
	s.refs = rc
	s.mu.Unlock()
}

// ComputeDigest derives the content digest for diff bytes under the given
// parent linkage. The parent digest (empty for a base layer) is hashed ahead
// of the payload with a NUL separator so the linkage is part of the address.
func ComputeDigest(parent string, diff []byte) string {
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write(diff)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Put stores a layer diff under its content digest and records its parent
// linkage. Putting an already-stored digest is a dedup no-op. Concurrent
// puts of the same digest serialize on a per-digest lock so exactly one
// physical copy is written.
func (s *Store) Put(diff []byte, parent string) (string, error) {
	if _, err := changeset.Parse(diff); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	digest := ComputeDigest(parent, diff)

	unlock := s.lockDigest(digest)
	defer unlock()

	final := s.layerPath(digest)
	if _, err := os.Stat(final); err == nil {
		// Dedup: identical diff + parent already stored. The metadata row is
		// still upserted — a crash between the rename below and SaveLayer
		// leaves a payload without a row, and re-putting the same bytes must
		// heal that, not skip it.
		if err := s.saveMeta(digest, parent, diff); err != nil {
			return "", err
		}
		return digest, nil
	}

	// Atomic write: temp file then rename (prevents partial files on crash)
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(diff); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	if err := s.saveMeta(digest, parent, diff); err != nil {
		os.Remove(final)
		return "", err
	}

	return digest, nil
}

func (s *Store) saveMeta(digest, parent string, diff []byte) error {
	err := s.meta.SaveLayer(&metadata.Layer{
		Digest:    digest,
		Parent:    parent,
		Size:      int64(len(diff)),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("save layer metadata: %w", err)
	}
	return nil
}

// Get retrieves the stored diff bytes for a digest.
func (s *Store) Get(digest string) ([]byte, error) {
	data, err := os.ReadFile(s.layerPath(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether a digest is stored, without reading the payload.
// Used by pull flows to skip redundant transfers.
func (s *Store) Exists(digest string) (bool, error) {
	_, err := os.Stat(s.layerPath(digest))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stat returns the persisted metadata for a layer.
func (s *Store) Stat(digest string) (*metadata.Layer, error) {
	l, err := s.meta.GetLayer(digest)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return l, nil
}

// List returns metadata for every stored layer.
func (s *Store) List() ([]*metadata.Layer, error) {
	return s.meta.ListLayers()
}

// Delete physically removes a layer. Fails with ErrInUse if the reference
// tracker reports a positive count — callers must only delete via the GC
// sweep, which re-checks counts first.
func (s *Store) Delete(digest string) error {
	s.mu.Lock()
	refs := s.refs
	s.mu.Unlock()
	if refs != nil && refs.Count(digest) > 0 {
		return fmt.Errorf("%w: %s", ErrInUse, digest)
	}

	unlock := s.lockDigest(digest)
	defer unlock()

	if err := os.Remove(s.layerPath(digest)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.meta.DeleteLayer(digest)
}

// lockDigest takes the per-digest critical section and returns its release.
func (s *Store) lockDigest(digest string) func() {
	s.mu.Lock()
	l, ok := s.busy[digest]
	if !ok {
		l = &sync.Mutex{}
		s.busy[digest] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// layerPath maps a digest like "sha256:abc" to {root}/sha256_abc.tar.
func (s *Store) layerPath(digest string) string {
	return filepath.Join(s.root, strings.Replace(digest, ":", "_", 1)+".tar")
}
