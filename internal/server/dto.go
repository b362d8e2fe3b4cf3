package server

import (
	"encoding/json"

	"specline/internal/domain"
	"specline/internal/engine"
)

// Request payloads

type DevLoginRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	Email  string `json:"email,omitempty"`
}

type CreateProjectRequest struct {
	Title       string   `json:"title" minLength:"1"`
	ProjectType string   `json:"project_type,omitempty" example:"marketplace"`
	Features    []string `json:"features,omitempty" example:"[\"payments\"]"`
	TechStack   string   `json:"tech_stack,omitempty" example:"Go, Postgres, React"`
}

type InterrogationRequest struct {
	InitialDescription string `json:"initial_description,omitempty" doc:"Required on the first call for a project"`
	Message            string `json:"message,omitempty" doc:"The user's answer to the previous question"`
}

type UpdatePromptRequest struct {
	Status string `json:"status" enum:"pending,unlocked,in_progress,completed,skipped"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type GrantCreditsRequest struct {
	UserID string  `json:"user_id" minLength:"1"`
	Amount float64 `json:"amount" exclusiveMinimum:"0"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type MeResponse struct {
	UserID  string  `json:"user_id"`
	Email   string  `json:"email,omitempty"`
	Source  string  `json:"source" enum:"jwt,api_key"`
	Credits float64 `json:"credits"`
}

type InterrogationResponse struct {
	Question     domain.Question     `json:"question"`
	Outcome      string              `json:"outcome" enum:"parsed,fallback"`
	Conversation domain.Conversation `json:"conversation"`
}

type PromptStatusResponse struct {
	Prompt   domain.ImplementationPrompt `json:"prompt"`
	Sequence SequenceSummary             `json:"sequence"`
	Unlocked []string                    `json:"unlocked"`
}

type SequenceSummary struct {
	ID                 string `json:"id"`
	Status             string `json:"status" enum:"active,complete"`
	TotalPrompts       int    `json:"total_prompts"`
	CompletedPrompts   int    `json:"completed_prompts"`
	CurrentPromptIndex int    `json:"current_prompt_index"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, only returned on creation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BalanceResponse struct {
	UserID  string  `json:"user_id"`
	Credits float64 `json:"credits"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Stream frames sent on the blueprint SSE endpoint.

type SuiteStartedFrame struct {
	SuiteID string   `json:"suite_id"`
	Types   []string `json:"types"`
}

type FragmentFrame struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type DocumentFrame struct {
	Type   string `json:"type"`
	Status string `json:"status" enum:"complete,failed"`
	Error  string `json:"error,omitempty"`
}

type SuiteDoneFrame struct {
	Suite domain.BlueprintSuite `json:"suite"`
}

type ErrorFrame struct {
	Error apiErrorBody `json:"error"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.PayloadJSON != "" && json.Valid([]byte(evt.PayloadJSON)) {
		payload = json.RawMessage(evt.PayloadJSON)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func sequenceSummary(s domain.PromptSequence) SequenceSummary {
	return SequenceSummary{
		ID:                 s.ID,
		Status:             s.Status,
		TotalPrompts:       s.TotalPrompts,
		CompletedPrompts:   s.CompletedPrompts,
		CurrentPromptIndex: s.CurrentPromptIndex,
	}
}

func statusResponse(c engine.StatusChange) PromptStatusResponse {
	return PromptStatusResponse{
		Prompt:   c.Prompt,
		Sequence: sequenceSummary(c.Sequence),
		Unlocked: nonNilSlice(c.Unlocked),
	}
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, Key: plain, CreatedAt: k.CreatedAt}
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
