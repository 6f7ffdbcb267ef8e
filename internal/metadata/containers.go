package metadata

import (
	"database/sql"
	"fmt"
	"time"
)

// Container is the persisted record of a container's storage footprint.
// ImageDigest is the terminal layer digest of the chain the container was
// created from; WritableID names its writable layer directory.
type Container struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	ImageRef    string    `json:"image_ref,omitempty"`
	ImageDigest string    `json:"image_digest"`
	WritableID  string    `json:"writable_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveContainer inserts or replaces a container record.
func (d *DB) SaveContainer(c *Container) error {
	_, err := d.db.Exec(`
		INSERT INTO containers (id, state, image_ref, image_digest, writable_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			image_ref = excluded.image_ref,
			image_digest = excluded.image_digest,
			writable_id = excluded.writable_id,
			updated_at = excluded.updated_at
	`, c.ID, c.State, c.ImageRef, c.ImageDigest, c.WritableID,
		c.CreatedAt.Format(time.RFC3339), time.Now().Format(time.RFC3339))
	return err
}

// GetContainer retrieves a container by ID. Returns (nil, nil) if not found.
func (d *DB) GetContainer(id string) (*Container, error) {
	row := d.db.QueryRow(`
		SELECT id, state, image_ref, image_digest, writable_id, created_at, updated_at
		FROM containers WHERE id = ?
	`, id)
	return scanContainer(row)
}

// ListContainers returns all container records.
func (d *DB) ListContainers() ([]*Container, error) {
	rows, err := d.db.Query(`
		SELECT id, state, image_ref, image_digest, writable_id, created_at, updated_at
		FROM containers ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var containers []*Container
	for rows.Next() {
		var c Container
		var createdStr, updatedStr string
		if err := rows.Scan(&c.ID, &c.State, &c.ImageRef, &c.ImageDigest,
			&c.WritableID, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		if err := parseTimes(&c, createdStr, updatedStr); err != nil {
			return nil, err
		}
		containers = append(containers, &c)
	}
	return containers, rows.Err()
}

// UpdateContainerState updates a container's state column.
func (d *DB) UpdateContainerState(id, state string) error {
	res, err := d.db.Exec(`
		UPDATE containers SET state = ?, updated_at = datetime('now') WHERE id = ?
	`, state, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("container %s not found", id)
	}
	return nil
}

// DeleteContainer removes a container record.
func (d *DB) DeleteContainer(id string) error {
	_, err := d.db.Exec(`DELETE FROM containers WHERE id = ?`, id)
	return err
}

func scanContainer(row *sql.Row) (*Container, error) {
	var c Container
	var createdStr, updatedStr string
	err := row.Scan(&c.ID, &c.State, &c.ImageRef, &c.ImageDigest,
		&c.WritableID, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := parseTimes(&c, createdStr, updatedStr); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseTimes(c *Container, createdStr, updatedStr string) error {
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return fmt.Errorf("container %s: corrupt created_at %q: %w", c.ID, createdStr, err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedStr); err != nil {
		return fmt.Errorf("container %s: corrupt updated_at %q: %w", c.ID, updatedStr, err)
	}
	return nil
}
