package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PRStateRepo persists per-pull-request progression.
type PRStateRepo struct {
	db *DB
}

// NewPRStateRepo builds a PRStateRepo over db.
func NewPRStateRepo(db *DB) *PRStateRepo {
	return &PRStateRepo{db: db}
}

// Create inserts a new PR state, defaulting stage/ci/review to their initial
// values if unset.
func (r *PRStateRepo) Create(p *PRState) error {
	now := timeNow()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Stage == "" {
		p.Stage = PRStageImplementation
	}
	if p.CIStatus == "" {
		p.CIStatus = CheckStatusPending
	}
	if p.ReviewStatus == "" {
		p.ReviewStatus = CheckStatusPending
	}

	_, err := r.db.Exec(`
		INSERT INTO pr_states (
			pr_number, design_id, stage, issue_key, parent_issue_key, feature_slug,
			ci_status, review_status, ci_attempts, review_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.PRNumber, p.DesignID, p.Stage, nullable(p.IssueKey), nullable(p.ParentIssueKey), nullable(p.FeatureSlug),
		p.CIStatus, p.ReviewStatus, p.CIAttempts, p.ReviewAttempts,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: create pr state: %w", err)
	}
	return nil
}

// GetByPR retrieves the state for a single PR number.
func (r *PRStateRepo) GetByPR(prNumber int) (*PRState, error) {
	row := r.db.QueryRow(prStateSelect+" WHERE pr_number = ?", prNumber)
	return scanPRState(row)
}

// ListByDesign returns every PR tracked under a design.
func (r *PRStateRepo) ListByDesign(designID string) ([]PRState, error) {
	rows, err := r.db.Query(prStateSelect+" WHERE design_id = ? ORDER BY pr_number", designID)
	if err != nil {
		return nil, fmt.Errorf("store: list pr states: %w", err)
	}
	defer rows.Close()

	var states []PRState
	for rows.Next() {
		p, err := scanPRStateRows(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *p)
	}
	return states, rows.Err()
}

// UpdateStage advances the PR's stage label.
func (r *PRStateRepo) UpdateStage(prNumber int, stage string) error {
	res, err := r.db.Exec(`UPDATE pr_states SET stage = ?, updated_at = ? WHERE pr_number = ?`,
		stage, timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "update pr stage")
}

// UpdateCIStatus sets the CI status field.
func (r *PRStateRepo) UpdateCIStatus(prNumber int, status string) error {
	res, err := r.db.Exec(`UPDATE pr_states SET ci_status = ?, updated_at = ? WHERE pr_number = ?`,
		status, timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "update pr ci status")
}

// UpdateReviewStatus sets the review status field.
func (r *PRStateRepo) UpdateReviewStatus(prNumber int, status string) error {
	res, err := r.db.Exec(`UPDATE pr_states SET review_status = ?, updated_at = ? WHERE pr_number = ?`,
		status, timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "update pr review status")
}

// IncrementCIAttempts bumps the CI attempt counter by one.
func (r *PRStateRepo) IncrementCIAttempts(prNumber int) error {
	res, err := r.db.Exec(`UPDATE pr_states SET ci_attempts = ci_attempts + 1, updated_at = ? WHERE pr_number = ?`,
		timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "increment pr ci attempts")
}

// IncrementReviewAttempts bumps the review attempt counter by one.
func (r *PRStateRepo) IncrementReviewAttempts(prNumber int) error {
	res, err := r.db.Exec(`UPDATE pr_states SET review_attempts = review_attempts + 1, updated_at = ? WHERE pr_number = ?`,
		timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "increment pr review attempts")
}

// ResetCIAttempts zeroes the CI attempt counter, used by the manual retry
// endpoint to re-arm an exhausted PR.
func (r *PRStateRepo) ResetCIAttempts(prNumber int) error {
	res, err := r.db.Exec(`UPDATE pr_states SET ci_attempts = 0, updated_at = ? WHERE pr_number = ?`,
		timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "reset pr ci attempts")
}

// ResetReviewAttempts zeroes the review attempt counter.
func (r *PRStateRepo) ResetReviewAttempts(prNumber int) error {
	res, err := r.db.Exec(`UPDATE pr_states SET review_attempts = 0, updated_at = ? WHERE pr_number = ?`,
		timeNow().Format(time.RFC3339Nano), prNumber)
	return checkAffected(res, err, "reset pr review attempts")
}

// CheckReadyForHuman reports whether both CI and review are passing.
func (r *PRStateRepo) CheckReadyForHuman(prNumber int) (bool, error) {
	p, err := r.GetByPR(prNumber)
	if err != nil {
		return false, err
	}
	return p.ReadyForHuman(), nil
}

// CheckAllSiblingsMerged reports whether every PR under a design has reached
// stage=merged. An empty PR set is never considered merged.
func (r *PRStateRepo) CheckAllSiblingsMerged(designID string) (bool, error) {
	states, err := r.ListByDesign(designID)
	if err != nil {
		return false, err
	}
	if len(states) == 0 {
		return false, nil
	}
	for _, p := range states {
		if p.Stage != PRStageMerged {
			return false, nil
		}
	}
	return true, nil
}

const prStateSelect = `
	SELECT pr_number, design_id, stage, issue_key, parent_issue_key, feature_slug,
		ci_status, review_status, ci_attempts, review_attempts, created_at, updated_at
	FROM pr_states`

func scanPRState(row *sql.Row) (*PRState, error) {
	var p PRState
	var issueKey, parentIssueKey, featureSlug sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.PRNumber, &p.DesignID, &p.Stage, &issueKey, &parentIssueKey, &featureSlug,
		&p.CIStatus, &p.ReviewStatus, &p.CIAttempts, &p.ReviewAttempts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan pr state: %w", err)
	}
	p.IssueKey, p.ParentIssueKey, p.FeatureSlug = issueKey.String, parentIssueKey.String, featureSlug.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func scanPRStateRows(rows *sql.Rows) (*PRState, error) {
	var p PRState
	var issueKey, parentIssueKey, featureSlug sql.NullString
	var createdAt, updatedAt string
	if err := rows.Scan(&p.PRNumber, &p.DesignID, &p.Stage, &issueKey, &parentIssueKey, &featureSlug,
		&p.CIStatus, &p.ReviewStatus, &p.CIAttempts, &p.ReviewAttempts, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("store: scan pr state: %w", err)
	}
	p.IssueKey, p.ParentIssueKey, p.FeatureSlug = issueKey.String, parentIssueKey.String, featureSlug.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}
