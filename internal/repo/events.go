package repo

import (
	"context"

	"specline/internal/domain"
)

// ListEvents returns a project's events with id greater than afterID, oldest first.
func (r Repo) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE project_id=? AND id>? ORDER BY id LIMIT ?`, projectID, afterID, limit)
}

// EventsAfter returns events across all projects after afterID, used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.q().QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
