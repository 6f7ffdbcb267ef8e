package metadata

import (
	"database/sql"
	"fmt"
	"time"
)

// Tag maps a named image reference to the digest of its terminal layer.
type Tag struct {
	Tag       string    `json:"tag"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveTag inserts or replaces a tag → digest mapping (retagging is an upsert).
func (d *DB) SaveTag(tag, digest string) error {
	_, err := d.db.Exec(`
		INSERT INTO tags (tag, digest, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET digest = excluded.digest
	`, tag, digest, time.Now().Format(time.RFC3339))
	return err
}

// GetTag returns the digest a tag points to, or "" if the tag is unknown.
func (d *DB) GetTag(tag string) (string, error) {
	row := d.db.QueryRow(`SELECT digest FROM tags WHERE tag = ?`, tag)
	var digest string
	err := row.Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return digest, nil
}

// ListTags returns all tag mappings.
func (d *DB) ListTags() ([]*Tag, error) {
	rows, err := d.db.Query(`SELECT tag, digest, created_at FROM tags ORDER BY tag`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		var t Tag
		var createdStr string
		if err := rows.Scan(&t.Tag, &t.Digest, &createdStr); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
			return nil, fmt.Errorf("tag %s: corrupt created_at %q: %w", t.Tag, createdStr, err)
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// DeleteTag removes a tag mapping.
func (d *DB) DeleteTag(tag string) error {
	_, err := d.db.Exec(`DELETE FROM tags WHERE tag = ?`, tag)
	return err
}
