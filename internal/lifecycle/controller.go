// Package lifecycle manages the state machine for a container's storage
// footprint.
//
// State transitions:
//
//	Created → Running ⇄ Stopped → Removed
//
// Create resolves the image chain, acquires references on every layer
// (all-or-nothing), and allocates the writable layer. Start and Stop only
// affect mount state — a stopped container still pins its layers and keeps
// its writable layer. Remove releases the references and hands the writable
// layer to the GC tracker for deferred deletion.
package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/strata/internal/metadata"
	"github.com/xfeldman/strata/internal/mount"
	"github.com/xfeldman/strata/internal/refcount"
	"github.com/xfeldman/strata/internal/resolver"
)

// ErrStillRunning is returned when remove (or commit) is attempted on a
// running container. A caller sequencing bug, not a transient condition.
var ErrStillRunning = errors.New("container is running")

// ErrNotFound is returned for operations on unknown container IDs.
var ErrNotFound = errors.New("container not found")

// Container states
const (
	StateCreated = "created"
	StateRunning = "running"
	StateStopped = "stopped"
	StateRemoved = "removed"
)

// Container tracks one container's storage footprint.
type Container struct {
	mu sync.Mutex

	ID          string
	State       string
	ImageRef    string
	ImageDigest string
	Chain       []string // resolved layer chain, base → top
	WritableID  string

	mnt *mount.Mount // non-nil only while Running

	CreatedAt time.Time
	StoppedAt time.Time // zero if never stopped or currently running
}

// Mount returns the container's live merged view, or nil when not running.
func (c *Container) Mount() *mount.Mount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mnt
}

// Controller owns containers and drives their storage lifecycle.
type Controller struct {
	mu         sync.Mutex
	containers map[string]*Container

	resolver *resolver.Resolver
	mounts   *mount.Manager
	refs     *refcount.Tracker
	meta     *metadata.DB
}

// NewController creates a lifecycle controller and wires the GC tracker's
// orphan deleter to writable-layer removal.
func NewController(res *resolver.Resolver, mounts *mount.Manager, refs *refcount.Tracker, meta *metadata.DB) *Controller {
	c := &Controller{
		containers: make(map[string]*Container),
		resolver:   res,
		mounts:     mounts,
		refs:       refs,
		meta:       meta,
	}
	refs.SetOrphanDeleter(mounts.RemoveWritable)
	return c
}

// Create allocates a container from an image reference (a registered tag, or
// a raw "sha256:..." digest). The resolved chain's references are acquired
// all-or-nothing: any failure rolls back already-acquired increments so no
// partial registration survives.
func (c *Controller) Create(imageRef string) (*Container, error) {
	digest := imageRef
	if !strings.HasPrefix(imageRef, "sha256:") {
		d, err := c.resolver.Lookup(imageRef)
		if err != nil {
			return nil, err
		}
		digest = d
	}

	chain, err := c.resolver.Resolve(digest)
	if err != nil {
		return nil, err
	}

	acquired := make([]string, 0, len(chain))
	rollback := func() {
		for _, d := range acquired {
			if err := c.refs.Release(d); err != nil {
				log.Printf("lifecycle: rollback release %s: %v", d, err)
			}
		}
	}
	for _, d := range chain {
		c.refs.Acquire(d)
		acquired = append(acquired, d)
	}

	cont := &Container{
		ID:          uuid.NewString(),
		State:       StateCreated,
		ImageRef:    imageRef,
		ImageDigest: digest,
		Chain:       chain,
		WritableID:  uuid.NewString(),
		CreatedAt:   time.Now(),
	}

	if err := c.mounts.CreateWritable(cont.WritableID); err != nil {
		rollback()
		return nil, fmt.Errorf("create writable layer: %w", err)
	}

	err = c.meta.SaveContainer(&metadata.Container{
		ID:          cont.ID,
		State:       cont.State,
		ImageRef:    cont.ImageRef,
		ImageDigest: cont.ImageDigest,
		WritableID:  cont.WritableID,
		CreatedAt:   cont.CreatedAt,
	})
	if err != nil {
		c.mounts.RemoveWritable(cont.WritableID)
		rollback()
		return nil, fmt.Errorf("save container: %w", err)
	}

	c.mu.Lock()
	c.containers[cont.ID] = cont
	c.mu.Unlock()

	log.Printf("container %s: created from %s (%d layers)", cont.ID, imageRef, len(chain))
	return cont, nil
}

// Start mounts the container's merged view. Starting a running container is
// a no-op.
func (c *Controller) Start(id string) error {
	cont, err := c.get(id)
	if err != nil {
		return err
	}

	cont.mu.Lock()
	defer cont.mu.Unlock()

	switch cont.State {
	case StateRunning:
		return nil
	case StateCreated, StateStopped:
		// proceed
	default:
		return fmt.Errorf("container %s in state %s cannot start", id, cont.State)
	}

	mnt, err := c.mounts.Mount(cont.Chain, cont.WritableID)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	cont.mnt = mnt
	cont.State = StateRunning
	cont.StoppedAt = time.Time{}
	c.persistState(id, StateRunning)
	log.Printf("container %s: running", id)
	return nil
}

// Stop unmounts the merged view after draining in-flight filesystem
// operations. The writable layer and the chain references are retained —
// a stopped container still pins its layers until removal.
func (c *Controller) Stop(id string) error {
	cont, err := c.get(id)
	if err != nil {
		return err
	}

	cont.mu.Lock()
	if cont.State != StateRunning {
		cont.mu.Unlock()
		return nil // already stopped or never started
	}
	mnt := cont.mnt
	cont.mnt = nil
	cont.State = StateStopped
	cont.StoppedAt = time.Now()
	cont.mu.Unlock()

	c.mounts.Unmount(mnt) // drains outstanding operations
	c.persistState(id, StateStopped)
	log.Printf("container %s: stopped", id)
	return nil
}

// Remove releases the container's chain references and queues its writable
// layer for deletion. Fails with ErrStillRunning from the Running state.
func (c *Controller) Remove(id string) error {
	cont, err := c.get(id)
	if err != nil {
		return err
	}

	cont.mu.Lock()
	switch cont.State {
	case StateRunning:
		cont.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrStillRunning)
	case StateRemoved:
		// A concurrent Remove already won; releasing again would steal
		// references held by tags or other containers.
		cont.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := cont.State
	cont.State = StateRemoved
	chain := cont.Chain
	writableID := cont.WritableID
	cont.mu.Unlock()

	// Delete the persisted record before releasing anything: a record that
	// outlives its released references would be resurrected by Restore and
	// re-pin the chain.
	if err := c.meta.DeleteContainer(id); err != nil {
		cont.mu.Lock()
		cont.State = prev
		cont.mu.Unlock()
		return fmt.Errorf("delete container record: %w", err)
	}

	for _, d := range chain {
		if err := c.refs.Release(d); err != nil {
			log.Printf("container %s: release %s: %v", id, d, err)
		}
	}
	c.refs.EnqueueOrphan(writableID)

	c.mu.Lock()
	delete(c.containers, id)
	c.mu.Unlock()

	log.Printf("container %s: removed", id)
	return nil
}

// Commit serializes a non-running container's writable layer into a new
// immutable layer on top of its chain and registers the tag for it.
// Returns the new image digest.
func (c *Controller) Commit(id, tag string) (string, error) {
	cont, err := c.get(id)
	if err != nil {
		return "", err
	}

	cont.mu.Lock()
	if cont.State == StateRunning {
		cont.mu.Unlock()
		return "", fmt.Errorf("commit %s: %w", id, ErrStillRunning)
	}
	writableID := cont.WritableID
	parent := ""
	if len(cont.Chain) > 0 {
		parent = cont.Chain[len(cont.Chain)-1]
	}
	cont.mu.Unlock()

	diff, err := c.mounts.WritableChangeset(writableID)
	if err != nil {
		return "", fmt.Errorf("serialize writable layer: %w", err)
	}
	digest, err := c.resolver.Commit(diff, parent, tag)
	if err != nil {
		return "", err
	}

	log.Printf("container %s: committed as %s (%s)", id, tag, digest)
	return digest, nil
}

// Get returns a container by ID.
func (c *Controller) Get(id string) (*Container, error) {
	return c.get(id)
}

// List returns all live (non-removed) containers.
func (c *Controller) List() []*Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Container, 0, len(c.containers))
	for _, cont := range c.containers {
		out = append(out, cont)
	}
	return out
}

// Restore reloads persisted containers after a restart and re-acquires
// their chain references. Containers persisted as running are demoted to
// stopped: mounts do not survive a daemon restart.
func (c *Controller) Restore() error {
	records, err := c.meta.ListContainers()
	if err != nil {
		return err
	}

	for _, rec := range records {
		chain, err := c.resolver.Resolve(rec.ImageDigest)
		if err != nil {
			return fmt.Errorf("restore container %s: %w", rec.ID, err)
		}
		for _, d := range chain {
			c.refs.Acquire(d)
		}

		state := rec.State
		if state == StateRunning {
			state = StateStopped
			c.persistState(rec.ID, StateStopped)
		}

		cont := &Container{
			ID:          rec.ID,
			State:       state,
			ImageRef:    rec.ImageRef,
			ImageDigest: rec.ImageDigest,
			Chain:       chain,
			WritableID:  rec.WritableID,
			CreatedAt:   rec.CreatedAt,
		}
		c.mu.Lock()
		c.containers[rec.ID] = cont
		c.mu.Unlock()
	}

	if len(records) > 0 {
		log.Printf("lifecycle: restored %d containers", len(records))
	}
	return nil
}

func (c *Controller) get(id string) (*Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cont, ok := c.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cont, nil
}

func (c *Controller) persistState(id, state string) {
	if err := c.meta.UpdateContainerState(id, state); err != nil {
		log.Printf("container %s: persist state: %v", id, err)
	}
}
