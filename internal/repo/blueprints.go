package repo

import (
	"context"
	"database/sql"
	"errors"

	"specline/internal/domain"
)

func (r Repo) InsertSuite(ctx context.Context, s domain.BlueprintSuite) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO blueprint_suites(id,project_id,user_id,conversation_id,status,total_count,completed_count,project_type,features_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.UserID, s.ConversationID, s.Status, s.TotalCount, s.CompletedCount, s.ProjectType, encodeList(s.Features), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) InsertBlueprint(ctx context.Context, b domain.Blueprint) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO blueprints(id,suite_id,type,title,content,status,error,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.SuiteID, b.Type, b.Title, b.Content, b.Status, nullable(b.Error), b.UpdatedAt)
	return err
}

// GetSuite loads the suite for (project, user) with its blueprints ordered by type.
func (r Repo) GetSuite(ctx context.Context, projectID, userID string) (domain.BlueprintSuite, error) {
	var s domain.BlueprintSuite
	var features string
	err := r.q().QueryRowContext(ctx, `SELECT id,project_id,user_id,conversation_id,status,total_count,completed_count,project_type,features_json,created_at,updated_at
FROM blueprint_suites WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&s.ID, &s.ProjectID, &s.UserID, &s.ConversationID, &s.Status, &s.TotalCount, &s.CompletedCount, &s.ProjectType, &features, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Features = decodeList(features)
	s.Blueprints, err = r.listBlueprints(ctx, s.ID)
	return s, err
}

func (r Repo) listBlueprints(ctx context.Context, suiteID string) ([]domain.Blueprint, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,suite_id,type,title,content,status,COALESCE(error,''),updated_at FROM blueprints WHERE suite_id=? ORDER BY type`, suiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Blueprint{}
	for rows.Next() {
		var b domain.Blueprint
		if err := rows.Scan(&b.ID, &b.SuiteID, &b.Type, &b.Title, &b.Content, &b.Status, &b.Error, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// RestartSuite marks a partial suite, or one stuck generating since before staleBefore,
// as generating again and resets its failed documents. A suite another run
// holds is reported as ErrNotFound.
func (r Repo) RestartSuite(ctx context.Context, suiteID, userID, now, staleBefore string) error {
	if err := expectOne(r.q().ExecContext(ctx, `UPDATE blueprint_suites SET status='generating', updated_at=?
WHERE id=? AND user_id=? AND (status='partial' OR (status='generating' AND updated_at < ?))`,
		now, suiteID, userID, staleBefore)); err != nil {
		return err
	}
	_, err := r.q().ExecContext(ctx, `UPDATE blueprints SET status='pending', error=NULL, updated_at=? WHERE suite_id=? AND status='failed'`, now, suiteID)
	return err
}

// CompleteBlueprint stores generated content and bumps the suite counter in one step.
// The suite flips to complete when the counter reaches the selected type count.
// It returns false when the blueprint was already complete.
func (r Repo) CompleteBlueprint(ctx context.Context, suiteID, blueprintID, content, now string) (bool, error) {
	res, err := r.q().ExecContext(ctx, `UPDATE blueprints SET content=?, status='complete', error=NULL, updated_at=? WHERE id=? AND suite_id=? AND status<>'complete'`,
		content, now, blueprintID, suiteID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	err = expectOne(r.q().ExecContext(ctx, `UPDATE blueprint_suites SET
  completed_count = completed_count + 1,
  status = CASE WHEN completed_count + 1 >= total_count THEN 'complete' ELSE status END,
  updated_at = ?
WHERE id=?`, now, suiteID))
	return err == nil, err
}

func (r Repo) FailBlueprint(ctx context.Context, suiteID, blueprintID, reason, now string) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE blueprints SET status='failed', error=?, updated_at=? WHERE id=? AND suite_id=? AND status<>'complete'`,
		reason, now, blueprintID, suiteID))
}

// FinishSuite settles a generation run: complete when every document succeeded, partial otherwise.
func (r Repo) FinishSuite(ctx context.Context, suiteID, now string) (string, error) {
	var status string
	err := r.q().QueryRowContext(ctx, `UPDATE blueprint_suites SET
  status = CASE WHEN completed_count >= total_count THEN 'complete' ELSE 'partial' END,
  updated_at = ?
WHERE id=? RETURNING status`, now, suiteID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}
