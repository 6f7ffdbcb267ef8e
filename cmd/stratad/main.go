// stratad is the strata daemon — the local layer store and container
// filesystem manager.
//
// It owns the content-addressed layer store, the tag registry, per-container
// writable layers and mounts, and the deferred GC sweep. On startup it
// rebuilds reference counts from persisted tags and container records, so a
// crash never loses or double-frees a layer.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xfeldman/strata/internal/config"
	"github.com/xfeldman/strata/internal/layerstore"
	"github.com/xfeldman/strata/internal/lifecycle"
	"github.com/xfeldman/strata/internal/metadata"
	"github.com/xfeldman/strata/internal/mount"
	"github.com/xfeldman/strata/internal/refcount"
	"github.com/xfeldman/strata/internal/resolver"
	"github.com/xfeldman/strata/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	log.Printf("stratad %s starting", version.Version())

	// Open metadata database
	meta, err := metadata.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open metadata: %v", err)
	}
	defer meta.Close()
	log.Printf("metadata: %s", cfg.DBPath)

	// Layer store, GC tracker, resolver, mounts, lifecycle
	store, err := layerstore.New(cfg.LayersDir, meta)
	if err != nil {
		log.Fatalf("open layer store: %v", err)
	}
	refs := refcount.New(store.Delete, cfg.GCGracePeriod)
	store.SetRefCounter(refs)

	res := resolver.New(store, meta, refs, cfg.MaxChainDepth)
	mounts, err := mount.NewManager(store, cfg.WritablesDir)
	if err != nil {
		log.Fatalf("open writable store: %v", err)
	}
	ctrl := lifecycle.NewController(res, mounts, refs, meta)

	// Recovery: persisted tags and container records are the authoritative
	// reference holders; in-memory counts are rebuilt from them, then any
	// layer left unreferenced is queued for the sweep.
	if err := res.RecoverReferences(); err != nil {
		log.Fatalf("recover tag references: %v", err)
	}
	if err := ctrl.Restore(); err != nil {
		log.Fatalf("restore containers: %v", err)
	}
	layers, err := store.List()
	if err != nil {
		log.Fatalf("list layers: %v", err)
	}
	orphaned := 0
	for _, l := range layers {
		if refs.Count(l.Digest) == 0 {
			refs.Enqueue(l.Digest)
			orphaned++
		}
	}
	log.Printf("recovery: %d layers, %d unreferenced queued for sweep", len(layers), orphaned)

	// Background GC sweep
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refs.Run(ctx, cfg.SweepInterval)

	// Write PID file
	os.WriteFile(cfg.PIDPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(cfg.PIDPath)

	log.Printf("stratad ready (pid %d, data %s)", os.Getpid(), cfg.DataDir)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	// Stop running containers so mounts drain before exit
	for _, c := range ctrl.List() {
		if c.State == lifecycle.StateRunning {
			if err := ctrl.Stop(c.ID); err != nil {
				log.Printf("stop %s: %v", c.ID, err)
			}
		}
	}
	cancel()

	log.Println("stratad stopped")
}
