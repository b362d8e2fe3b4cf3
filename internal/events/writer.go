package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Pipeline event types.
const (
	ProjectCreated        = "project.created"
	ProjectDeleted        = "project.deleted"
	ConversationStarted   = "conversation.started"
	ConversationAnswered  = "conversation.answered"
	ConversationCompleted = "conversation.completed"
	SuiteStarted          = "suite.started"
	BlueprintCompleted    = "blueprint.completed"
	BlueprintFailed       = "blueprint.failed"
	SuiteCompleted        = "suite.completed"
	SuitePartial          = "suite.partial"
	SequenceGenerated     = "sequence.generated"
	SequenceCompleted     = "sequence.completed"
	PromptStatusChanged   = "prompt.status_changed"
	PromptUnlocked        = "prompt.unlocked"
	PromptRegenerated     = "prompt.regenerated"
	CreditsRefunded       = "credits.refunded"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event through ex, normally the transaction carrying the state change.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
