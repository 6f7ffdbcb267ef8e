package metadata

import (
	"database/sql"
	"fmt"
	"time"
)

// Layer is the persisted metadata for one immutable layer. Parent is the
// digest of the parent layer, empty for a base layer. The diff bytes
// themselves live in the layer store, not here.
type Layer struct {
	Digest    string    `json:"digest"`
	Parent    string    `json:"parent,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveLayer inserts a layer record. Saving an already-present digest is a
// no-op (layers are immutable, so the existing row is authoritative).
func (d *DB) SaveLayer(l *Layer) error {
	_, err := d.db.Exec(`
		INSERT INTO layers (digest, parent, size, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, l.Digest, l.Parent, l.Size, l.CreatedAt.Format(time.RFC3339))
	return err
}

// GetLayer retrieves a layer by digest. Returns (nil, nil) if not found.
func (d *DB) GetLayer(digest string) (*Layer, error) {
	row := d.db.QueryRow(`
		SELECT digest, parent, size, created_at FROM layers WHERE digest = ?
	`, digest)

	var l Layer
	var createdStr string
	err := row.Scan(&l.Digest, &l.Parent, &l.Size, &createdStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("layer %s: corrupt created_at %q: %w", digest, createdStr, err)
	}
	return &l, nil
}

// ListLayers returns all layer records.
func (d *DB) ListLayers() ([]*Layer, error) {
	rows, err := d.db.Query(`
		SELECT digest, parent, size, created_at FROM layers ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []*Layer
	for rows.Next() {
		var l Layer
		var createdStr string
		if err := rows.Scan(&l.Digest, &l.Parent, &l.Size, &createdStr); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
			return nil, fmt.Errorf("layer %s: corrupt created_at %q: %w", l.Digest, createdStr, err)
		}
		layers = append(layers, &l)
	}
	return layers, rows.Err()
}

// DeleteLayer removes a layer record.
func (d *DB) DeleteLayer(digest string) error {
	_, err := d.db.Exec(`DELETE FROM layers WHERE digest = ?`, digest)
	return err
}
