package repo

import (
	"context"
	"database/sql"
	"errors"

	"specline/internal/domain"
)

func (r Repo) InsertSequence(ctx context.Context, s domain.PromptSequence) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO prompt_sequences(id,project_id,user_id,status,total_prompts,completed_prompts,current_prompt_index,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.UserID, s.Status, s.TotalPrompts, s.CompletedPrompts, s.CurrentPromptIndex, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) InsertPrompt(ctx context.Context, p domain.ImplementationPrompt) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO implementation_prompts(id,sequence_id,project_id,sequence,category,title,content,prerequisites_json,user_actions_json,acceptance_criteria_json,status,regenerated_count,completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SequenceID, p.ProjectID, p.Sequence, p.Category, p.Title, p.Content, encodeList(p.Prerequisites), encodeList(p.UserActions), encodeList(p.AcceptanceCriteria),
		p.Status, p.RegeneratedCount, p.CompletedAt, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetSequence loads the sequence for (project, user) with prompts in sequence order.
func (r Repo) GetSequence(ctx context.Context, projectID, userID string) (domain.PromptSequence, error) {
	var s domain.PromptSequence
	err := r.q().QueryRowContext(ctx, `SELECT id,project_id,user_id,status,total_prompts,completed_prompts,current_prompt_index,created_at,updated_at
FROM prompt_sequences WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&s.ID, &s.ProjectID, &s.UserID, &s.Status, &s.TotalPrompts, &s.CompletedPrompts, &s.CurrentPromptIndex, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Prompts, err = r.ListPrompts(ctx, s.ID)
	return s, err
}

const promptColumns = `p.id,p.sequence_id,p.project_id,p.sequence,p.category,p.title,p.content,p.prerequisites_json,p.user_actions_json,p.acceptance_criteria_json,p.status,p.regenerated_count,p.completed_at,p.created_at,p.updated_at`

func scanPrompt(row scanner) (domain.ImplementationPrompt, error) {
	var p domain.ImplementationPrompt
	var prereq, actions, criteria string
	var completedAt sql.NullString
	err := row.Scan(&p.ID, &p.SequenceID, &p.ProjectID, &p.Sequence, &p.Category, &p.Title, &p.Content, &prereq, &actions, &criteria,
		&p.Status, &p.RegeneratedCount, &completedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Prerequisites = decodeList(prereq)
	p.UserActions = decodeList(actions)
	p.AcceptanceCriteria = decodeList(criteria)
	if completedAt.Valid {
		v := completedAt.String
		p.CompletedAt = &v
	}
	return p, nil
}

// ListPrompts returns every prompt of a sequence ordered by sequence number.
func (r Repo) ListPrompts(ctx context.Context, sequenceID string) ([]domain.ImplementationPrompt, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+promptColumns+` FROM implementation_prompts p WHERE p.sequence_id=? ORDER BY p.sequence`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ImplementationPrompt{}
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// GetPrompt resolves a prompt through its owning sequence so that another user's prompt is not found.
func (r Repo) GetPrompt(ctx context.Context, projectID, userID, promptID string) (domain.ImplementationPrompt, error) {
	return scanPrompt(r.q().QueryRowContext(ctx, `SELECT `+promptColumns+`
FROM implementation_prompts p JOIN prompt_sequences s ON s.id=p.sequence_id
WHERE p.id=? AND p.project_id=? AND s.project_id=? AND s.user_id=?`, promptID, projectID, projectID, userID))
}

// SetPromptStatus moves a prompt from one status to another. The from condition makes
// concurrent transitions of the same prompt lose cleanly with ErrNotFound.
func (r Repo) SetPromptStatus(ctx context.Context, promptID, from, to string, completedAt *string, now string) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE implementation_prompts SET status=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		to, completedAt, now, promptID, from))
}

// ReplacePromptContent swaps the generated body of a prompt, keeping title, sequence and prerequisites.
func (r Repo) ReplacePromptContent(ctx context.Context, promptID, from string, p domain.ImplementationPrompt, now string) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE implementation_prompts SET
  content=?, user_actions_json=?, acceptance_criteria_json=?, status=?, completed_at=?,
  regenerated_count = regenerated_count + 1, updated_at=?
WHERE id=? AND status=?`,
		p.Content, encodeList(p.UserActions), encodeList(p.AcceptanceCriteria), p.Status, p.CompletedAt, now, promptID, from))
}

// AdjustProgress applies delta to the completed counter and recomputes the current index.
// The sequence flips to complete when the counter reaches the total; it is never flipped back.
// It returns the resulting sequence status.
func (r Repo) AdjustProgress(ctx context.Context, sequenceID string, delta int, now string) (string, error) {
	var status string
	err := r.q().QueryRowContext(ctx, `UPDATE prompt_sequences SET
  completed_prompts = completed_prompts + ?,
  status = CASE WHEN completed_prompts + ? >= total_prompts THEN 'complete' ELSE status END,
  current_prompt_index = COALESCE(
    (SELECT MIN(sequence) FROM implementation_prompts WHERE sequence_id=? AND status NOT IN ('completed','skipped')),
    total_prompts),
  updated_at = ?
WHERE id=? RETURNING status`, delta, delta, sequenceID, now, sequenceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}
