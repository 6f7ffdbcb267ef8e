package metadata

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "strata.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetLayer(t *testing.T) {
	db := openTestDB(t)

	l := &Layer{
		Digest:    "sha256:aaa",
		Parent:    "sha256:bbb",
		Size:      1024,
		CreatedAt: time.Now().Truncate(time.Second),
	}
	if err := db.SaveLayer(l); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetLayer("sha256:aaa")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected layer, got nil")
	}
	if got.Parent != "sha256:bbb" {
		t.Errorf("Parent = %q, want sha256:bbb", got.Parent)
	}
	if got.Size != 1024 {
		t.Errorf("Size = %d, want 1024", got.Size)
	}
}

func TestGetLayer_NotFound(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetLayer("sha256:nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown digest, got %+v", got)
	}
}

func TestSaveLayer_Immutable(t *testing.T) {
	db := openTestDB(t)

	db.SaveLayer(&Layer{Digest: "sha256:aaa", Size: 10, CreatedAt: time.Now()})
	// Second save with different size must not overwrite the original row.
	db.SaveLayer(&Layer{Digest: "sha256:aaa", Size: 999, CreatedAt: time.Now()})

	got, _ := db.GetLayer("sha256:aaa")
	if got.Size != 10 {
		t.Errorf("Size = %d, want 10 (layers are immutable)", got.Size)
	}
}

func TestDeleteLayer(t *testing.T) {
	db := openTestDB(t)

	db.SaveLayer(&Layer{Digest: "sha256:aaa", Size: 10, CreatedAt: time.Now()})
	if err := db.DeleteLayer("sha256:aaa"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetLayer("sha256:aaa")
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestTags(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveTag("app:v1", "sha256:aaa"); err != nil {
		t.Fatal(err)
	}
	digest, err := db.GetTag("app:v1")
	if err != nil {
		t.Fatal(err)
	}
	if digest != "sha256:aaa" {
		t.Errorf("digest = %q, want sha256:aaa", digest)
	}

	// Retag is an upsert
	db.SaveTag("app:v1", "sha256:bbb")
	digest, _ = db.GetTag("app:v1")
	if digest != "sha256:bbb" {
		t.Errorf("digest after retag = %q, want sha256:bbb", digest)
	}

	// Multiple tags may share a digest
	db.SaveTag("app:latest", "sha256:bbb")
	tags, err := db.ListTags()
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Fatalf("tags = %d, want 2", len(tags))
	}

	if err := db.DeleteTag("app:v1"); err != nil {
		t.Fatal(err)
	}
	digest, _ = db.GetTag("app:v1")
	if digest != "" {
		t.Errorf("digest after delete = %q, want empty", digest)
	}
}

func TestContainers(t *testing.T) {
	db := openTestDB(t)

	c := &Container{
		ID:          "c1",
		State:       "created",
		ImageRef:    "app:v1",
		ImageDigest: "sha256:aaa",
		WritableID:  "w1",
		CreatedAt:   time.Now().Truncate(time.Second),
	}
	if err := db.SaveContainer(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetContainer("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected container, got nil")
	}
	if got.ImageDigest != "sha256:aaa" || got.WritableID != "w1" {
		t.Errorf("got %+v", got)
	}

	if err := db.UpdateContainerState("c1", "running"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetContainer("c1")
	if got.State != "running" {
		t.Errorf("State = %q, want running", got.State)
	}

	if err := db.UpdateContainerState("nope", "running"); err == nil {
		t.Error("expected error for unknown container")
	}

	list, err := db.ListContainers()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("containers = %d, want 1", len(list))
	}

	if err := db.DeleteContainer("c1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetContainer("c1")
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestConcurrentWrites(t *testing.T) {
	db := openTestDB(t)

	var wg sync.WaitGroup
	errCh := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := &Layer{Digest: fmt.Sprintf("sha256:%04d", i), Size: 1, CreatedAt: time.Now()}
			if err := db.SaveLayer(l); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent save: %v", err)
	}

	layers, err := db.ListLayers()
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 32 {
		t.Errorf("layers = %d, want 32", len(layers))
	}
}

func TestCorruptTimestampSurfaces(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveLayer(&Layer{Digest: "sha256:aaa", Size: 1, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.db.Exec(`UPDATE layers SET created_at = 'garbage' WHERE digest = 'sha256:aaa'`); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetLayer("sha256:aaa"); err == nil {
		t.Error("GetLayer: expected error for corrupt created_at")
	}
	if _, err := db.ListLayers(); err == nil {
		t.Error("ListLayers: expected error for corrupt created_at")
	}
}
