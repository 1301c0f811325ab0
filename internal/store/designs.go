package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DesignRepo persists Design rows.
type DesignRepo struct {
	db *DB
}

// NewDesignRepo builds a DesignRepo over db.
func NewDesignRepo(db *DB) *DesignRepo {
	return &DesignRepo{db: db}
}

// Create inserts a new design, stamping CreatedAt/UpdatedAt if unset.
func (r *DesignRepo) Create(d *Design) error {
	now := d.CreatedAt
	if now.IsZero() {
		now = timeNow()
	}
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Stage == "" {
		d.Stage = DesignStageDesign
	}
	if d.Status == "" {
		d.Status = DesignStatusRunning
	}

	_, err := r.db.Exec(`
		INSERT INTO designs (id, description, stage, status, page_id, parent_key, review_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Description, d.Stage, d.Status, nullable(d.PageID), nullable(d.ParentKey), d.ReviewAttempts,
		d.CreatedAt.Format(time.RFC3339Nano), d.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: create design: %w", err)
	}
	return nil
}

// Get retrieves a design by id.
func (r *DesignRepo) Get(id string) (*Design, error) {
	row := r.db.QueryRow(`
		SELECT id, description, stage, status, page_id, parent_key, review_attempts, created_at, updated_at
		FROM designs WHERE id = ?
	`, id)
	return scanDesign(row)
}

// UpdateStatus sets status and bumps UpdatedAt.
func (r *DesignRepo) UpdateStatus(id, status string) error {
	res, err := r.db.Exec(`UPDATE designs SET status = ?, updated_at = ? WHERE id = ?`,
		status, timeNow().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, "update design status")
}

// UpdateStage sets stage and bumps UpdatedAt.
func (r *DesignRepo) UpdateStage(id, stage string) error {
	res, err := r.db.Exec(`UPDATE designs SET stage = ?, updated_at = ? WHERE id = ?`,
		stage, timeNow().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, "update design stage")
}

// SetPageID records the document-store page once published.
func (r *DesignRepo) SetPageID(id, pageID string) error {
	res, err := r.db.Exec(`UPDATE designs SET page_id = ?, updated_at = ? WHERE id = ?`,
		pageID, timeNow().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, "set design page id")
}

// SetParentKey records the issue-tracker parent key once approved.
func (r *DesignRepo) SetParentKey(id, parentKey string) error {
	res, err := r.db.Exec(`UPDATE designs SET parent_key = ?, updated_at = ? WHERE id = ?`,
		parentKey, timeNow().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, "set design parent key")
}

// IncrementReviewAttempts bumps the review attempt counter by one.
func (r *DesignRepo) IncrementReviewAttempts(id string) error {
	res, err := r.db.Exec(`UPDATE designs SET review_attempts = review_attempts + 1, updated_at = ? WHERE id = ?`,
		timeNow().Format(time.RFC3339Nano), id)
	return checkAffected(res, err, "increment design review attempts")
}

// ListByStatus returns every design with the given status, newest first.
func (r *DesignRepo) ListByStatus(status string) ([]*Design, error) {
	rows, err := r.db.Query(`
		SELECT id, description, stage, status, page_id, parent_key, review_attempts, created_at, updated_at
		FROM designs WHERE status = ? ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list designs by status: %w", err)
	}
	defer rows.Close()

	var out []*Design
	for rows.Next() {
		var d Design
		var pageID, parentKey sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Description, &d.Stage, &d.Status, &pageID, &parentKey, &d.ReviewAttempts, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan design: %w", err)
		}
		d.PageID = pageID.String
		d.ParentKey = parentKey.String
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func scanDesign(row *sql.Row) (*Design, error) {
	var d Design
	var pageID, parentKey sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.Description, &d.Stage, &d.Status, &pageID, &parentKey, &d.ReviewAttempts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan design: %w", err)
	}
	d.PageID = pageID.String
	d.ParentKey = parentKey.String
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}
