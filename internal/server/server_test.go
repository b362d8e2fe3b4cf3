package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/engine/auth"
	"specline/internal/events"
	"specline/internal/ledger"
	"specline/internal/llm"
	"specline/internal/migrate"
)

var (
	documentLine = regexp.MustCompile(`(?m)^Document: (.+)$`)
	categoryLine = regexp.MustCompile(`(?m)^Task category: ([a-z-]+) `)
)

// scriptedAI completes the interview on its second question and answers every
// generation stage with well formed output.
type scriptedAI struct {
	mu        sync.Mutex
	questions int
}

func (a *scriptedAI) Complete(ctx context.Context, system, user string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m := categoryLine.FindStringSubmatch(user); m != nil {
		cat := m[1]
		return fmt.Sprintf(`{"tasks":[{"title":"%[1]s: first","content":"Start %[1]s."},{"title":"%[1]s: second","content":"Finish %[1]s.","prerequisites":["%[1]s: first"]}]}`, cat), nil
	}
	if strings.Contains(user, "Rewrite exactly one task titled") {
		return `{"tasks":[{"title":"rewritten","content":"Rewritten body."}]}`, nil
	}
	a.questions++
	done := a.questions >= 2
	return fmt.Sprintf(`{"question":"Question %d?","category":"users","isComplete":%t,"completionReason":"enough"}`, a.questions, done), nil
}

func (a *scriptedAI) StreamComplete(ctx context.Context, system, user string) (<-chan llm.StreamEvent, error) {
	m := documentLine.FindStringSubmatch(user)
	if m == nil {
		return nil, errors.New("unexpected stream request")
	}
	ch := make(chan llm.StreamEvent, 3)
	ch <- llm.StreamEvent{Delta: "# " + m[1] + "\n\n"}
	ch <- llm.StreamEvent{Delta: "Body."}
	ch <- llm.StreamEvent{Done: true}
	close(ch)
	return ch, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Auth   auth.Service
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e := engine.New(conn, cfg, ledger.SQLLedger{DB: conn}, &scriptedAI{}, nil)
	authSvc := auth.Service{Repo: e.Repo, Secret: "test-secret", TokenTTL: time.Hour}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{Service: authSvc, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Auth:   authSvc,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, userID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": userID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("dev login body %s: %v", string(data), err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

type envelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(data), err)
	}
	return env.Error
}

func createProject(t *testing.T, srv *testServer, headers map[string]string) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":        "Tool rental",
		"project_type": "marketplace",
		"features":     []string{"payments"},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func interview(t *testing.T, srv *testServer, headers map[string]string, projectID string) {
	t.Helper()
	url := srv.URL + "/v1/projects/" + projectID + "/interrogation"
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"initial_description": "A marketplace for renting tools"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start interrogation status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"message": "Owners and renters, paid by card"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
	}
	var out InterrogationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal interrogation: %v", err)
	}
	if !out.Question.IsComplete || out.Conversation.Status != domain.ConversationComplete {
		t.Fatalf("expected complete interview, got %+v", out.Question)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeEnvelope(t, data); body.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestMeAndAPIKeys(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := login(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "alice" || me.Source != auth.SourceJWT || me.Credits != 10 {
		t.Fatalf("unexpected me %+v", me)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/me/api-keys", map[string]any{"name": "ci"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("create key body %s: %v", string(data), err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &me); err != nil || me.Source != auth.SourceAPIKey {
		t.Fatalf("expected api key identity, got %+v (%v)", me, err)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/me/api-keys/"+key.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key accepted: %d", res.StatusCode)
	}
}

func TestProjectsAreScopedToOwner(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")

	p := createProject(t, srv, alice)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+p.ID, nil, bob)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeEnvelope(t, data); body.Code != "not_found" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{"title": "  "}, alice)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/projects/"+p.ID, nil, alice)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+p.ID, nil, alice)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted project still readable: %d", res.StatusCode)
	}
}

func TestInsufficientCreditsEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Pricing.BlueprintSuite = 50
	})
	defer cleanup()
	headers := login(t, srv, "alice")
	p := createProject(t, srv, headers)
	interview(t, srv, headers, p.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/blueprints", nil, headers)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeEnvelope(t, data)
	if body.Code != "insufficient_credits" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if body.Details["balance"] != 9.75 || body.Details["required"] != float64(50) {
		t.Fatalf("unexpected details %+v", body.Details)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := login(t, srv, "alice")
	p := createProject(t, srv, headers)
	base := srv.URL + "/v1/projects/" + p.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/prompts", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before blueprints, got %d: %s", res.StatusCode, string(data))
	}

	interview(t, srv, headers, p.ID)
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/blueprints", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blueprints status %d: %s", res.StatusCode, string(data))
	}
	var suite domain.BlueprintSuite
	if err := json.Unmarshal(data, &suite); err != nil {
		t.Fatal(err)
	}
	if suite.Status != domain.SuiteComplete || suite.CompletedCount != suite.TotalCount {
		t.Fatalf("unexpected suite %s %d/%d", suite.Status, suite.CompletedCount, suite.TotalCount)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/prompts", nil, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("prompts status %d: %s", res.StatusCode, string(data))
	}
	var seq domain.PromptSequence
	if err := json.Unmarshal(data, &seq); err != nil {
		t.Fatal(err)
	}
	var first, second domain.ImplementationPrompt
	for _, pr := range seq.Prompts {
		switch pr.Title {
		case "setup: first":
			first = pr
		case "setup: second":
			second = pr
		}
	}
	if first.ID == "" || second.ID == "" {
		t.Fatalf("setup prompts missing from %d prompts", len(seq.Prompts))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/prompts/"+second.ID, map[string]any{"status": "completed"}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeEnvelope(t, data)
	if body.Code != "prerequisites_unmet" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if unmet, _ := body.Details["unmet"].([]any); len(unmet) != 1 || unmet[0] != "setup: first" {
		t.Fatalf("unexpected unmet %+v", body.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/prompts/"+first.ID, map[string]any{"status": "completed"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var change PromptStatusResponse
	if err := json.Unmarshal(data, &change); err != nil {
		t.Fatal(err)
	}
	if change.Sequence.CompletedPrompts != 1 || len(change.Unlocked) == 0 {
		t.Fatalf("unexpected change %+v", change)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/prompts/"+first.ID, map[string]any{"status": "done"}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/prompts/"+second.ID+"/regenerate", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("regenerate status %d: %s", res.StatusCode, string(data))
	}
	var regenerated domain.ImplementationPrompt
	if err := json.Unmarshal(data, &regenerated); err != nil {
		t.Fatal(err)
	}
	if regenerated.ID != second.ID || regenerated.Title != second.Title || regenerated.Content != "Rewritten body." {
		t.Fatalf("regeneration changed identity: %+v", regenerated)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/events?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].Type != "project.created" {
		t.Fatalf("first event %q", page.Items[0].Type)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/events?cursor=abc", nil, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPaginateAtMaxLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := login(t, srv, "alice")
	p := createProject(t, srv, headers)

	ctx := context.Background()
	for i := 0; i < 549; i++ {
		if err := srv.Engine.Events.Append(ctx, srv.Engine.DB, events.PromptStatusChanged, p.ID, "prompt", fmt.Sprintf("q%d", i), "alice", nil); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	base := srv.URL + "/v1/projects/" + p.ID + "/events"
	var pages []paginatedEvents
	cursor := ""
	for {
		url := base + "?limit=500"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatal(err)
		}
		pages = append(pages, page)
		if page.NextCursor == "" || len(pages) > 3 {
			break
		}
		cursor = page.NextCursor
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if len(pages[0].Items) != 500 || len(pages[1].Items) != 50 {
		t.Fatalf("unexpected page sizes %d and %d", len(pages[0].Items), len(pages[1].Items))
	}
	if last := pages[0].Items[499].ID; pages[0].NextCursor != fmt.Sprint(last) {
		t.Fatalf("next_cursor %q does not point at last item %d", pages[0].NextCursor, last)
	}
	if pages[1].Items[0].ID <= pages[0].Items[499].ID {
		t.Fatalf("second page overlaps the first")
	}
}

func TestBlueprintStream(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	headers := login(t, srv, "alice")
	p := createProject(t, srv, headers)
	interview(t, srv, headers, p.ID)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/blueprints/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", headers["Authorization"])
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	counts := map[string]int{}
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			counts[name]++
		}
	}
	if counts["suite_started"] != 1 || counts["done"] != 1 || counts["error"] != 0 {
		t.Fatalf("unexpected frames %+v", counts)
	}
	if counts["document"] == 0 || counts["fragment"] < 2*counts["document"] {
		t.Fatalf("expected fragments per document, got %+v", counts)
	}

	res2, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/blueprints", nil, headers)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("get blueprints status %d: %s", res2.StatusCode, string(data))
	}
	var suite domain.BlueprintSuite
	if err := json.Unmarshal(data, &suite); err != nil {
		t.Fatal(err)
	}
	if suite.TotalCount != counts["document"] || suite.Status != domain.SuiteComplete {
		t.Fatalf("stream and stored suite disagree: %d documents streamed, suite %+v", counts["document"], suite.Status)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Specline-Signature"))
		if got, want := r.Header.Get("X-Specline-Signature"), "sha256="+signPayload("s3cret", data); got != want {
			sigs[len(sigs)-1] = "mismatch"
		}
		mu.Unlock()
	}))
	defer hookSrv.Close()

	ctx := context.Background()
	if _, err := srv.Engine.EnsureUser(ctx, "alice", ""); err != nil {
		t.Fatal(err)
	}
	d := NewWebhookDispatcher(srv.Engine.Repo, []config.Webhook{{
		ID: "ops", URL: hookSrv.URL, Events: []string{"project.created"}, Secret: "s3cret",
	}}, nil)
	d.DispatchAll(ctx)

	if _, err := srv.Engine.CreateProject(ctx, engine.ProjectCreateOptions{UserID: "alice", Title: "Hooked"}); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "project.created" {
		t.Fatalf("expected one project.created delivery, got %+v", received)
	}
	if sigs[0] == "mismatch" || sigs[0] == "" {
		t.Fatalf("bad signature header %q", sigs[0])
	}
}
