//go:build integration

// End-to-end exercises of the full storage stack against a real temp
// directory: image import, container lifecycle, commit, GC, and restart
// recovery — everything wired exactly the way cmd/stratad wires it.
package integration

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/xfeldman/strata/internal/ingest"
	"github.com/xfeldman/strata/internal/layerstore"
	"github.com/xfeldman/strata/internal/lifecycle"
	"github.com/xfeldman/strata/internal/metadata"
	"github.com/xfeldman/strata/internal/mount"
	"github.com/xfeldman/strata/internal/refcount"
	"github.com/xfeldman/strata/internal/resolver"
)

// stack wires the components the way cmd/stratad does.
type stack struct {
	dir    string
	meta   *metadata.DB
	store  *layerstore.Store
	refs   *refcount.Tracker
	res    *resolver.Resolver
	mounts *mount.Manager
	ctrl   *lifecycle.Controller
	im     *ingest.Importer
}

func newStack(t *testing.T, dir string) *stack {
	t.Helper()
	meta, err := metadata.Open(filepath.Join(dir, "strata.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })

	store, err := layerstore.New(filepath.Join(dir, "layers"), meta)
	if err != nil {
		t.Fatal(err)
	}
	refs := refcount.New(store.Delete, 0)
	store.SetRefCounter(refs)
	res := resolver.New(store, meta, refs, 127)
	mounts, err := mount.NewManager(store, filepath.Join(dir, "writables"))
	if err != nil {
		t.Fatal(err)
	}
	return &stack{
		dir:    dir,
		meta:   meta,
		store:  store,
		refs:   refs,
		res:    res,
		mounts: mounts,
		ctrl:   lifecycle.NewController(res, mounts, refs, meta),
		im:     ingest.New(store, res),
	}
}

// recover replays the startup recovery sequence from cmd/stratad.
func (s *stack) recover(t *testing.T) {
	t.Helper()
	if err := s.res.RecoverReferences(); err != nil {
		t.Fatal(err)
	}
	if err := s.ctrl.Restore(); err != nil {
		t.Fatal(err)
	}
	layers, err := s.store.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range layers {
		if s.refs.Count(l.Digest) == 0 {
			s.refs.Enqueue(l.Digest)
		}
	}
}

func tarball(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte(content))
	tw.Close()
	return buf.Bytes()
}

func TestFullLifecycle(t *testing.T) {
	s := newStack(t, t.TempDir())

	// Import a two-layer image
	img, err := mutate.AppendLayers(empty.Image,
		static.NewLayer(tarball(t, "etc/os-release", "strata"), types.OCIUncompressedLayer),
		static.NewLayer(tarball(t, "app/server", "bin-v1"), types.OCIUncompressedLayer),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.im.ImportImage(context.Background(), img, "app:v1"); err != nil {
		t.Fatal(err)
	}

	// Create, start, mutate
	cont, err := s.ctrl.Create("app:v1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ctrl.Start(cont.ID); err != nil {
		t.Fatal(err)
	}
	mnt := cont.Mount()
	if data, err := mnt.Read("/app/server"); err != nil || string(data) != "bin-v1" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if err := mnt.Write("/app/config", []byte("port=8080")); err != nil {
		t.Fatal(err)
	}
	if err := mnt.Delete("/etc/os-release"); err != nil {
		t.Fatal(err)
	}

	// Commit into a new image
	if err := s.ctrl.Stop(cont.ID); err != nil {
		t.Fatal(err)
	}
	v2, err := s.ctrl.Commit(cont.ID, "app:v2")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh container from v2 sees the mutation, not the original
	c2, err := s.ctrl.Create("app:v2")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ctrl.Start(c2.ID); err != nil {
		t.Fatal(err)
	}
	m2 := c2.Mount()
	if data, err := m2.Read("/app/config"); err != nil || string(data) != "port=8080" {
		t.Errorf("Read(config) = %q, %v", data, err)
	}
	if _, err := m2.Read("/etc/os-release"); err == nil {
		t.Error("deleted file visible in committed image")
	}

	// Tear everything down and collect
	s.ctrl.Stop(c2.ID)
	for _, id := range []string{cont.ID, c2.ID} {
		if err := s.ctrl.Remove(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.res.Unregister("app:v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.res.Unregister("app:v2"); err != nil {
		t.Fatal(err)
	}
	s.refs.Sweep()

	layers, err := s.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 0 {
		t.Errorf("layers after full teardown = %d, want 0", len(layers))
	}
	if ok, _ := s.store.Exists(v2); ok {
		t.Error("committed layer survived teardown")
	}
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	s1 := newStack(t, dir)

	img, err := mutate.AppendLayers(empty.Image,
		static.NewLayer(tarball(t, "base", "b"), types.OCIUncompressedLayer),
	)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := s1.im.ImportImage(context.Background(), img, "app:v1")
	if err != nil {
		t.Fatal(err)
	}

	cont, err := s1.ctrl.Create("app:v1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.ctrl.Start(cont.ID); err != nil {
		t.Fatal(err)
	}
	cont.Mount().Write("/data", []byte("survives"))

	// "Crash": no Stop, no Remove — just a fresh stack over the same data dir
	s2 := newStack(t, dir)
	s2.recover(t)

	// Tag ref + container ref
	if got := s2.refs.Count(digest); got != 2 {
		t.Errorf("Count after recovery = %d, want 2", got)
	}

	r, err := s2.ctrl.Get(cont.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != lifecycle.StateStopped {
		t.Errorf("state = %s, want %s", r.State, lifecycle.StateStopped)
	}

	// Writable data survived the crash
	if err := s2.ctrl.Start(cont.ID); err != nil {
		t.Fatal(err)
	}
	if data, err := r.Mount().Read("/data"); err != nil || string(data) != "survives" {
		t.Errorf("Read = %q, %v; want \"survives\"", data, err)
	}

	// A sweep after recovery must not touch referenced layers
	s2.refs.Sweep()
	if ok, _ := s2.store.Exists(digest); !ok {
		t.Error("referenced layer collected after recovery")
	}
}

func TestRecovery_OrphanedLayerCollected(t *testing.T) {
	dir := t.TempDir()
	s1 := newStack(t, dir)

	// A layer stored but never tagged or used: unreferenced after restart
	diff := tarball(t, "junk", "x")
	digest, err := s1.store.Put(diff, "")
	if err != nil {
		t.Fatal(err)
	}

	s2 := newStack(t, dir)
	s2.recover(t)

	if got := s2.refs.Count(digest); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
	s2.refs.Sweep()
	if ok, _ := s2.store.Exists(digest); ok {
		t.Error("orphaned layer survived recovery sweep")
	}
}

func TestRemoveRunning_RejectedEndToEnd(t *testing.T) {
	s := newStack(t, t.TempDir())

	diff := tarball(t, "f", "x")
	digest, err := s.store.Put(diff, "")
	if err != nil {
		t.Fatal(err)
	}
	cont, err := s.ctrl.Create(digest)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ctrl.Start(cont.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.ctrl.Remove(cont.ID); !errors.Is(err, lifecycle.ErrStillRunning) {
		t.Fatalf("err = %v, want ErrStillRunning", err)
	}

	s.ctrl.Stop(cont.ID)
	if err := s.ctrl.Remove(cont.ID); err != nil {
		t.Fatal(err)
	}
	s.refs.Sweep()
	if ok, _ := s.store.Exists(digest); ok {
		t.Error("layer survived remove + sweep")
	}
}
