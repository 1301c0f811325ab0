package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DesignOutputRepo persists named artifacts produced for a design (rendered
// plan path, architecture doc path, and similar).
type DesignOutputRepo struct {
	db *DB
}

// NewDesignOutputRepo builds a DesignOutputRepo over db.
func NewDesignOutputRepo(db *DB) *DesignOutputRepo {
	return &DesignOutputRepo{db: db}
}

// Put upserts the output keyed by (designID, key).
func (r *DesignOutputRepo) Put(designID, key, path string) error {
	now := timeNow().Format(time.RFC3339Nano)
	_, err := r.db.Exec(`
		INSERT INTO design_outputs (design_id, key, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(design_id, key) DO UPDATE SET path = excluded.path, updated_at = excluded.updated_at
	`, designID, key, path, now, now)
	if err != nil {
		return fmt.Errorf("store: put design output: %w", err)
	}
	return nil
}

// Get retrieves a single output by key.
func (r *DesignOutputRepo) Get(designID, key string) (*DesignOutput, error) {
	row := r.db.QueryRow(`
		SELECT design_id, key, path, created_at, updated_at
		FROM design_outputs WHERE design_id = ? AND key = ?
	`, designID, key)
	return scanDesignOutput(row)
}

// ListByDesign returns every output recorded for a design.
func (r *DesignOutputRepo) ListByDesign(designID string) ([]DesignOutput, error) {
	rows, err := r.db.Query(`
		SELECT design_id, key, path, created_at, updated_at
		FROM design_outputs WHERE design_id = ? ORDER BY key
	`, designID)
	if err != nil {
		return nil, fmt.Errorf("store: list design outputs: %w", err)
	}
	defer rows.Close()

	var outputs []DesignOutput
	for rows.Next() {
		var o DesignOutput
		var createdAt, updatedAt string
		if err := rows.Scan(&o.DesignID, &o.Key, &o.Path, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan design output: %w", err)
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func scanDesignOutput(row *sql.Row) (*DesignOutput, error) {
	var o DesignOutput
	var createdAt, updatedAt string
	err := row.Scan(&o.DesignID, &o.Key, &o.Path, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan design output: %w", err)
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &o, nil
}
