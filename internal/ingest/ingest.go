// Package ingest verifies and imports externally supplied layers and OCI
// images into the layer store. All content is verified against its declared
// digest before storage; nothing enters the store on trust.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/klauspost/compress/gzip"

	"github.com/xfeldman/strata/internal/layerstore"
	"github.com/xfeldman/strata/internal/resolver"
)

// ErrDigestMismatch is returned when supplied content does not hash to its
// declared digest. The content is rejected, never stored.
var ErrDigestMismatch = errors.New("digest mismatch")

// Importer ingests layers and images into the store.
type Importer struct {
	store *layerstore.Store
	res   *resolver.Resolver
}

// New creates an importer.
func New(store *layerstore.Store, res *resolver.Resolver) *Importer {
	return &Importer{store: store, res: res}
}

// ImportLayer stores a single changeset on top of parent. When claimedDigest
// is non-empty the content-derived digest must match it exactly; a mismatch
// rejects the layer.
func (im *Importer) ImportLayer(diff []byte, parent, claimedDigest string) (string, error) {
	if claimedDigest != "" {
		computed := layerstore.ComputeDigest(parent, diff)
		if computed != claimedDigest {
			return "", fmt.Errorf("%w: claimed %s, computed %s", ErrDigestMismatch, claimedDigest, computed)
		}
	}
	return im.store.Put(diff, parent)
}

// ImportImage ingests an OCI image's layers bottom-up, verifying each
// layer's uncompressed bytes against its declared diff ID, and registers
// tag (when non-empty) for the resulting chain. Returns the image digest.
//
// Layers already present dedup inside the store, so re-importing a shared
// base costs one hash, not one copy.
func (im *Importer) ImportImage(ctx context.Context, img v1.Image, tag string) (string, error) {
	layers, err := img.Layers()
	if err != nil {
		return "", fmt.Errorf("image layers: %w", err)
	}
	if len(layers) == 0 {
		return "", errors.New("image has no layers")
	}

	parent := ""
	for i, l := range layers {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		diff, err := readLayer(l)
		if err != nil {
			return "", fmt.Errorf("layer %d: %w", i, err)
		}
		if err := verifyDiffID(l, diff); err != nil {
			return "", fmt.Errorf("layer %d: %w", i, err)
		}

		digest, err := im.store.Put(diff, parent)
		if err != nil {
			return "", fmt.Errorf("layer %d: %w", i, err)
		}
		parent = digest
	}

	if tag != "" {
		if err := im.res.Register(tag, parent); err != nil {
			return "", err
		}
	}

	log.Printf("ingest: imported %d layers as %s", len(layers), parent)
	return parent, nil
}

// readLayer returns a layer's uncompressed tar bytes, decompressing
// transport gzip when present.
func readLayer(l v1.Layer) ([]byte, error) {
	rc, err := l.Compressed()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return raw, nil
}

// verifyDiffID checks the uncompressed bytes against the layer's declared
// diff ID.
func verifyDiffID(l v1.Layer, diff []byte) error {
	diffID, err := l.DiffID()
	if err != nil {
		return fmt.Errorf("diff ID: %w", err)
	}
	sum := sha256.Sum256(diff)
	if got := hex.EncodeToString(sum[:]); got != diffID.Hex {
		return fmt.Errorf("%w: declared diff ID %s, content hashes to sha256:%s", ErrDigestMismatch, diffID, got)
	}
	return nil
}
