package speclinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Specline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout applies to the default HTTP client. Blueprint generation can take
	// minutes; raise it or pass a client without a timeout.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  5 * time.Minute,
	}
}

type Project struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	ProjectType string   `json:"project_type"`
	Features    []string `json:"features"`
	TechStack   string   `json:"tech_stack,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

type Question struct {
	Question   string `json:"question"`
	Category   string `json:"category"`
	IsComplete bool   `json:"is_complete"`
	Reason     string `json:"reason,omitempty"`
}

type Conversation struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	QuestionsAsked       int    `json:"questions_asked"`
	IsReadyForBlueprints bool   `json:"is_ready_for_blueprints"`
	Messages             []struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		Category string `json:"category,omitempty"`
	} `json:"messages"`
}

type InterrogationResult struct {
	Question     Question     `json:"question"`
	Outcome      string       `json:"outcome"`
	Conversation Conversation `json:"conversation"`
}

type Blueprint struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type BlueprintSuite struct {
	ID             string      `json:"id"`
	Status         string      `json:"status"`
	TotalCount     int         `json:"total_count"`
	CompletedCount int         `json:"completed_count"`
	Features       []string    `json:"features"`
	Blueprints     []Blueprint `json:"blueprints"`
}

type Prompt struct {
	ID                 string   `json:"id"`
	Sequence           int      `json:"sequence"`
	Category           string   `json:"category"`
	Title              string   `json:"title"`
	Content            string   `json:"content"`
	Prerequisites      []string `json:"prerequisites"`
	UserActions        []string `json:"user_actions"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Status             string   `json:"status"`
	RegeneratedCount   int      `json:"regenerated_count"`
}

type PromptSequence struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	TotalPrompts     int      `json:"total_prompts"`
	CompletedPrompts int      `json:"completed_prompts"`
	Prompts          []Prompt `json:"prompts"`
}

type StatusChange struct {
	Prompt   Prompt `json:"prompt"`
	Sequence struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		TotalPrompts     int    `json:"total_prompts"`
		CompletedPrompts int    `json:"completed_prompts"`
	} `json:"sequence"`
	Unlocked []string `json:"unlocked"`
}

type Me struct {
	UserID  string  `json:"user_id"`
	Email   string  `json:"email,omitempty"`
	Source  string  `json:"source"`
	Credits float64 `json:"credits"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, title, projectType string, features []string, techStack string) (Project, error) {
	body := map[string]any{
		"title":        title,
		"project_type": projectType,
		"features":     features,
		"tech_stack":   techStack,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// StartInterrogation opens the interview with the project description.
func (c *Client) StartInterrogation(ctx context.Context, projectID, description string) (InterrogationResult, error) {
	var resp InterrogationResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "interrogation"), map[string]any{"initial_description": description}, &resp)
	return resp, err
}

// Answer sends the user's reply and returns the next question. Each answer is charged.
func (c *Client) Answer(ctx context.Context, projectID, message string) (InterrogationResult, error) {
	var resp InterrogationResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "interrogation"), map[string]any{"message": message}, &resp)
	return resp, err
}

func (c *Client) Conversation(ctx context.Context, projectID string) (Conversation, error) {
	var resp Conversation
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "interrogation"), nil, &resp)
	return resp, err
}

// GenerateBlueprints generates the suite, or finishes a partial one.
func (c *Client) GenerateBlueprints(ctx context.Context, projectID string) (BlueprintSuite, error) {
	var resp BlueprintSuite
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "blueprints"), nil, &resp)
	return resp, err
}

func (c *Client) Blueprints(ctx context.Context, projectID string) (BlueprintSuite, error) {
	var resp BlueprintSuite
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "blueprints"), nil, &resp)
	return resp, err
}

func (c *Client) GeneratePrompts(ctx context.Context, projectID string) (PromptSequence, error) {
	var resp PromptSequence
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "prompts"), nil, &resp)
	return resp, err
}

func (c *Client) Prompts(ctx context.Context, projectID string) (PromptSequence, error) {
	var resp PromptSequence
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "prompts"), nil, &resp)
	return resp, err
}

// SetPromptStatus moves a prompt to a new status.
func (c *Client) SetPromptStatus(ctx context.Context, projectID, promptID, status string) (StatusChange, error) {
	var resp StatusChange
	endpoint := projectPath(projectID, "prompts/"+url.PathEscape(promptID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) RegeneratePrompt(ctx context.Context, projectID, promptID string) (Prompt, error) {
	var resp Prompt
	endpoint := projectPath(projectID, "prompts/"+url.PathEscape(promptID)+"/regenerate")
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := projectPath(projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
