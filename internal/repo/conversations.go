package repo

import (
	"context"
	"database/sql"
	"errors"

	"specline/internal/domain"
)

func (r Repo) InsertConversation(ctx context.Context, c domain.Conversation) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO conversations(id,project_id,user_id,initial_description,questions_asked,status,is_ready_for_blueprints,completion_reason,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.UserID, c.InitialDescription, c.QuestionsAsked, c.Status, c.IsReadyForBlueprints, nullable(c.CompletionReason), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetConversation loads the conversation for (project, user) with its messages in append order.
func (r Repo) GetConversation(ctx context.Context, projectID, userID string) (domain.Conversation, error) {
	var c domain.Conversation
	var reason sql.NullString
	err := r.q().QueryRowContext(ctx, `SELECT id,project_id,user_id,initial_description,questions_asked,status,is_ready_for_blueprints,completion_reason,created_at,updated_at
FROM conversations WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&c.ID, &c.ProjectID, &c.UserID, &c.InitialDescription, &c.QuestionsAsked, &c.Status, &c.IsReadyForBlueprints, &reason, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CompletionReason = reason.String
	c.Messages, err = r.listMessages(ctx, c.ID)
	return c, err
}

func (r Repo) listMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT seq,role,content,COALESCE(category,''),created_at FROM conversation_messages WHERE conversation_id=? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &m.Category, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage adds a message after the current last one and returns its sequence number.
func (r Repo) AppendMessage(ctx context.Context, conversationID string, m domain.Message) (int, error) {
	var seq int
	err := r.q().QueryRowContext(ctx, `INSERT INTO conversation_messages(conversation_id,seq,role,content,category,created_at)
SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ?, ? FROM conversation_messages WHERE conversation_id=?
RETURNING seq`, conversationID, m.Role, m.Content, nullable(m.Category), m.CreatedAt, conversationID).Scan(&seq)
	return seq, err
}

// RecordQuestion counts one asked question and, when complete is set, moves the
// conversation to complete. Nothing here moves a complete conversation back.
func (r Repo) RecordQuestion(ctx context.Context, conversationID, userID string, complete bool, reason, now string) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE conversations SET
  questions_asked = questions_asked + 1,
  status = CASE WHEN ? THEN 'complete' ELSE status END,
  is_ready_for_blueprints = CASE WHEN ? THEN 1 ELSE is_ready_for_blueprints END,
  completion_reason = CASE WHEN ? AND completion_reason IS NULL THEN ? ELSE completion_reason END,
  updated_at = ?
WHERE id=? AND user_id=?`, complete, complete, complete, nullable(reason), now, conversationID, userID))
}
