// Package resolver translates image references into ordered, validated
// layer chains and manages the tag → digest registry.
//
// A chain is the parent walk from an image's terminal layer down to a base
// layer (empty parent), returned base → top. Chains must be acyclic and
// complete; the walk defends against corrupt metadata with explicit cycle
// and depth checks rather than trusting construction-time invariants.
package resolver

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/xfeldman/strata/internal/layerstore"
	"github.com/xfeldman/strata/internal/metadata"
	"github.com/xfeldman/strata/internal/refcount"
)

// ErrBrokenChain is returned when a parent digest in the walk is missing
// from the layer store. Resolution never yields partial chains.
var ErrBrokenChain = errors.New("broken layer chain")

// ErrCycleDetected is returned when a parent walk revisits a digest.
// Chains are acyclic by construction, so this indicates corrupt metadata.
var ErrCycleDetected = errors.New("cycle in layer chain")

// ErrChainTooDeep is returned when a walk exceeds the configured maximum
// depth, guarding against pathological or maliciously crafted metadata.
var ErrChainTooDeep = errors.New("layer chain too deep")

// ErrTagNotFound is returned when a tag has no registered digest.
var ErrTagNotFound = errors.New("tag not found")

// Resolver resolves layer chains and owns the tag registry. Registered tags
// hold references on every layer of their chain so tagged images are never
// collected.
type Resolver struct {
	store    *layerstore.Store
	meta     *metadata.DB
	refs     *refcount.Tracker
	maxDepth int

	// tagMu serializes tag mutations: Register's read-acquire-save sequence
	// must not interleave with another retag of the same tag, or the loser's
	// chain references leak.
	tagMu sync.Mutex
}

// New creates a resolver. maxDepth bounds the parent walk.
func New(store *layerstore.Store, meta *metadata.DB, refs *refcount.Tracker, maxDepth int) *Resolver {
	return &Resolver{store: store, meta: meta, refs: refs, maxDepth: maxDepth}
}

// Resolve walks parent links from the image's terminal layer to its base and
// returns the chain ordered base → top.
func (r *Resolver) Resolve(imageDigest string) ([]string, error) {
	seen := make(map[string]bool)
	var reversed []string

	digest := imageDigest
	for digest != "" {
		if seen[digest] {
			return nil, fmt.Errorf("%w: revisited %s resolving %s", ErrCycleDetected, digest, imageDigest)
		}
		seen[digest] = true

		if len(reversed) >= r.maxDepth {
			return nil, fmt.Errorf("%w: more than %d layers resolving %s", ErrChainTooDeep, r.maxDepth, imageDigest)
		}

		l, err := r.store.Stat(digest)
		if errors.Is(err, layerstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s missing resolving %s", ErrBrokenChain, digest, imageDigest)
		}
		if err != nil {
			return nil, err
		}

		reversed = append(reversed, digest)
		digest = l.Parent
	}

	chain := make([]string, len(reversed))
	for i, d := range reversed {
		chain[len(reversed)-1-i] = d
	}
	return chain, nil
}

// Register points a tag at an image digest and acquires references on the
// full resolved chain (all-or-nothing). Retagging releases the previous
// chain after the new mapping is durable.
func (r *Resolver) Register(tag, imageDigest string) error {
	if _, err := name.NewTag(tag, name.WeakValidation); err != nil {
		return fmt.Errorf("invalid tag %q: %w", tag, err)
	}

	r.tagMu.Lock()
	defer r.tagMu.Unlock()

	chain, err := r.Resolve(imageDigest)
	if err != nil {
		return err
	}

	prev, err := r.meta.GetTag(tag)
	if err != nil {
		return err
	}
	if prev == imageDigest {
		return nil // already registered
	}

	for _, d := range chain {
		r.refs.Acquire(d)
	}
	if err := r.meta.SaveTag(tag, imageDigest); err != nil {
		for _, d := range chain {
			if rerr := r.refs.Release(d); rerr != nil {
				log.Printf("resolver: rollback release %s: %v", d, rerr)
			}
		}
		return fmt.Errorf("save tag: %w", err)
	}

	if prev != "" {
		r.releaseChain(prev)
	}

	log.Printf("resolver: registered %s -> %s (%d layers)", tag, imageDigest, len(chain))
	return nil
}

// Commit stores a changeset as a new layer on top of parent and registers
// tag for the resulting image. Returns the new image digest. The layer stays
// in the store even if tag registration fails; an unreferenced layer is
// collected by the next sweep rather than deleted here.
func (r *Resolver) Commit(diff []byte, parent, tag string) (string, error) {
	digest, err := r.store.Put(diff, parent)
	if err != nil {
		return "", fmt.Errorf("store layer: %w", err)
	}
	if err := r.Register(tag, digest); err != nil {
		r.refs.Enqueue(digest)
		return "", err
	}
	return digest, nil
}

// Unregister removes a tag mapping and releases its chain references.
// Deletion of now-unreferenced layers is deferred to the GC sweep.
func (r *Resolver) Unregister(tag string) error {
	r.tagMu.Lock()
	defer r.tagMu.Unlock()

	digest, err := r.meta.GetTag(tag)
	if err != nil {
		return err
	}
	if digest == "" {
		return fmt.Errorf("%w: %s", ErrTagNotFound, tag)
	}

	if err := r.meta.DeleteTag(tag); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	r.releaseChain(digest)

	log.Printf("resolver: unregistered %s", tag)
	return nil
}

// Lookup returns the image digest a tag points to.
func (r *Resolver) Lookup(tag string) (string, error) {
	digest, err := r.meta.GetTag(tag)
	if err != nil {
		return "", err
	}
	if digest == "" {
		return "", fmt.Errorf("%w: %s", ErrTagNotFound, tag)
	}
	return digest, nil
}

// RecoverReferences re-acquires chain references for every registered tag.
// Called once at startup before any lifecycle operation; persisted tags are
// the authoritative record, in-memory counts are derived.
func (r *Resolver) RecoverReferences() error {
	tags, err := r.meta.ListTags()
	if err != nil {
		return err
	}
	for _, t := range tags {
		chain, err := r.Resolve(t.Digest)
		if err != nil {
			return fmt.Errorf("recover tag %s: %w", t.Tag, err)
		}
		for _, d := range chain {
			r.refs.Acquire(d)
		}
	}
	return nil
}

// releaseChain releases references on every layer reachable from digest.
// Release errors indicate count corruption; they are logged, not returned,
// because the tag removal is already durable.
func (r *Resolver) releaseChain(digest string) {
	chain, err := r.Resolve(digest)
	if err != nil {
		log.Printf("resolver: release chain %s: %v", digest, err)
		return
	}
	for _, d := range chain {
		if err := r.refs.Release(d); err != nil {
			log.Printf("resolver: release %s: %v", d, err)
		}
	}
}
