package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/ledger"
	"specline/internal/llm"
	"specline/internal/migrate"
	"specline/internal/parse"
)

// fakeAI answers by recognising which stage built the user prompt.
type fakeAI struct {
	mu            sync.Mutex
	completeAfter int
	questions     int
	interrogation func(n int) (string, error)
	blueprint     func(title string) (string, error)
	sequence      func(category string, existing []string) (string, error)
	regenerate    func(title string) (string, error)
	calls         map[string]int
}

var (
	documentLine = regexp.MustCompile(`(?m)^Document: (.+)$`)
	categoryLine = regexp.MustCompile(`(?m)^Task category: ([a-z-]+) `)
	rewriteLine  = regexp.MustCompile(`Rewrite exactly one task titled "([^"]+)"`)
	existingLine = regexp.MustCompile(`(?m)^- (.+)$`)
)

func newFakeAI() *fakeAI {
	f := &fakeAI{completeAfter: 3, calls: map[string]int{}}
	f.interrogation = func(n int) (string, error) {
		done := n >= f.completeAfter
		return fmt.Sprintf(`{"question":"Question %d?","category":"users","isComplete":%t,"completionReason":"enough detail"}`, n, done), nil
	}
	f.blueprint = func(title string) (string, error) {
		return "```markdown\n# " + title + "\n\nConcrete content.\n```", nil
	}
	f.sequence = func(category string, existing []string) (string, error) {
		first := map[string]any{"title": category + ": first", "content": "Do the first " + category + " step.", "userActions": []string{"run it"}, "acceptanceCriteria": []string{"works"}, "prerequisites": []string{}}
		if len(existing) > 0 {
			first["prerequisites"] = []string{existing[len(existing)-1]}
		}
		second := map[string]any{"title": category + ": second", "content": "Finish " + category + ".", "prerequisites": []string{category + ": first"}}
		data, _ := json.Marshal(map[string]any{"tasks": []any{first, second}})
		return "Here you go:\n```json\n" + string(data) + "\n```", nil
	}
	f.regenerate = func(title string) (string, error) {
		return `{"tasks":[{"title":"` + title + `","content":"Rewritten body.","userActions":["new action"],"acceptanceCriteria":["new check"]}]}`, nil
	}
	return f
}

func (f *fakeAI) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *fakeAI) Complete(ctx context.Context, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case rewriteLine.MatchString(user):
		f.calls["regenerate"]++
		return f.regenerate(rewriteLine.FindStringSubmatch(user)[1])
	case categoryLine.MatchString(user):
		f.calls["sequence"]++
		var existing []string
		if i := strings.Index(user, "Tasks already planned"); i >= 0 {
			for _, m := range existingLine.FindAllStringSubmatch(user[i:], -1) {
				existing = append(existing, m[1])
			}
		}
		return f.sequence(categoryLine.FindStringSubmatch(user)[1], existing)
	default:
		f.calls["interrogation"]++
		f.questions++
		return f.interrogation(f.questions)
	}
}

func (f *fakeAI) StreamComplete(ctx context.Context, system, user string) (<-chan llm.StreamEvent, error) {
	m := documentLine.FindStringSubmatch(user)
	if m == nil {
		return nil, errors.New("unexpected stream request")
	}
	f.mu.Lock()
	f.calls["blueprint"]++
	text, err := f.blueprint(m[1])
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamEvent, 3)
	half := len(text) / 2
	ch <- llm.StreamEvent{Delta: text[:half]}
	ch <- llm.StreamEvent{Delta: text[half:]}
	ch <- llm.StreamEvent{Done: true}
	close(ch)
	return ch, nil
}

type testEnv struct {
	Engine engine.Engine
	AI     *fakeAI
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ai := newFakeAI()
	eng := engine.New(conn, config.Default(), ledger.SQLLedger{DB: conn}, ai, nil)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := eng.EnsureUser(ctx, "alice", "alice@example.com"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return testEnv{Engine: eng, AI: ai, Ctx: ctx}
}

func (env testEnv) project(t *testing.T, projectType string, features ...string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		UserID: "alice", Title: "Tutor finder", ProjectType: projectType, Features: features,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// interview drives the interrogation until the fake reports completion.
func (env testEnv) interview(t *testing.T, projectID string) domain.Conversation {
	t.Helper()
	res, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: projectID, InitialDescription: "Match students with tutors."})
	if err != nil {
		t.Fatalf("start interrogation: %v", err)
	}
	for i := 0; !res.Question.IsComplete; i++ {
		if i > 10 {
			t.Fatalf("interrogation never completed")
		}
		res, err = env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: projectID, Message: fmt.Sprintf("answer %d", i)})
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
	}
	return res.Conversation
}

func (env testEnv) balance(t *testing.T) float64 {
	t.Helper()
	b, err := env.Engine.Balance(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (env testEnv) setBalance(t *testing.T, v float64) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE users SET credits=? WHERE id='alice'`, int64(ledger.Credits(v))); err != nil {
		t.Fatalf("set balance: %v", err)
	}
}

func promptByTitle(t *testing.T, s domain.PromptSequence, title string) domain.ImplementationPrompt {
	t.Helper()
	for _, p := range s.Prompts {
		if p.Title == title {
			return p
		}
	}
	t.Fatalf("prompt %q not found", title)
	return domain.ImplementationPrompt{}
}

func TestCreateProjectValidatesCatalog(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{UserID: "alice", Title: "x", ProjectType: "spaceship"}); err == nil {
		t.Fatalf("expected unknown project type error")
	}
	var inv *engine.InvalidInputError
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{UserID: "alice", Title: "x", Features: []string{"teleport"}})
	if !errors.As(err, &inv) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	p := env.project(t, "")
	if p.ProjectType != "web-app" {
		t.Fatalf("expected default project type, got %s", p.ProjectType)
	}
}

func TestInterrogationCountsQuestionsAndFallsBack(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	env.AI.completeAfter = 100
	env.AI.interrogation = func(n int) (string, error) {
		if n == 2 {
			return "Sorry, I cannot produce JSON right now.", nil
		}
		return fmt.Sprintf(`{"question":"Q%d","category":"problem"}`, n), nil
	}
	res, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, InitialDescription: "idea"})
	if err != nil {
		t.Fatalf("first question: %v", err)
	}
	if res.Outcome != parse.Parsed || res.Question.Question != "Q1" {
		t.Fatalf("unexpected first question %+v", res)
	}
	res, err = env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, Message: "students"})
	if err != nil {
		t.Fatalf("fallback question must not fail: %v", err)
	}
	if res.Outcome != parse.Fallback || res.Question.Category != domain.CategoryUsers {
		t.Fatalf("expected fallback users question, got %+v", res)
	}
	res, err = env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, Message: "tutors"})
	if err != nil {
		t.Fatalf("third question: %v", err)
	}
	conv := res.Conversation
	if conv.QuestionsAsked != 3 {
		t.Fatalf("expected 3 questions asked, got %d", conv.QuestionsAsked)
	}
	if len(conv.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(conv.Messages))
	}
	wantRoles := []string{"assistant", "user", "assistant", "user", "assistant"}
	for i, m := range conv.Messages {
		if m.Role != wantRoles[i] {
			t.Fatalf("message %d role %s, want %s", i, m.Role, wantRoles[i])
		}
	}
	if got := env.balance(t); got != 9.5 {
		t.Fatalf("expected two message charges, balance %v", got)
	}
}

func TestInterrogationCompletionIsOneWay(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	conv := env.interview(t, p.ID)
	if conv.Status != domain.ConversationComplete || !conv.IsReadyForBlueprints {
		t.Fatalf("expected complete conversation, got %+v", conv)
	}
	env.AI.interrogation = func(n int) (string, error) {
		return `{"question":"More?","category":"scope","isComplete":false}`, nil
	}
	res, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, Message: "one more thing"})
	if err != nil {
		t.Fatalf("follow up: %v", err)
	}
	if res.Conversation.Status != domain.ConversationComplete || !res.Question.IsComplete {
		t.Fatalf("completion reverted: %+v", res.Conversation)
	}
}

func TestInterrogationInsufficientCreditsLeavesConversation(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	if _, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, InitialDescription: "idea"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.setBalance(t, 0.1)
	_, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, Message: "answer"})
	var ice *engine.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if ice.Balance != ledger.Credits(0.1) || ice.Required != ledger.Credits(0.25) {
		t.Fatalf("unexpected error detail %+v", ice)
	}
	conv, err := env.Engine.Conversation(env.Ctx, "alice", p.ID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(conv.Messages) != 1 || conv.QuestionsAsked != 1 {
		t.Fatalf("conversation modified: %+v", conv)
	}
}

func TestInterrogationProviderFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	if _, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, InitialDescription: "idea"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.AI.interrogation = func(int) (string, error) {
		return "", fmt.Errorf("%w: upstream down", engine.ErrProviderExhausted)
	}
	_, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "alice", ProjectID: p.ID, Message: "answer"})
	if !errors.Is(err, engine.ErrProviderExhausted) {
		t.Fatalf("expected provider exhausted, got %v", err)
	}
	if got := env.balance(t); got != 10 {
		t.Fatalf("expected refund, balance %v", got)
	}
}

func TestSelectBlueprintTypesMarketplacePayments(t *testing.T) {
	cat := config.Default().Blueprints
	got := engine.SelectBlueprintTypes(cat, "marketplace", []string{"payments"})
	want := []string{"backend", "database", "design-system", "frontend", "mvp-features", "payment-integration", "search", "security", "trust-safety"}
	if !slices.Equal(got, want) {
		t.Fatalf("selection mismatch\n got %v\nwant %v", got, want)
	}
}

func TestDetectFeaturesFromConversation(t *testing.T) {
	cat := config.Default().Blueprints
	p := domain.Project{Features: []string{"analytics"}}
	c := domain.Conversation{
		InitialDescription: "Tutors get paid through Stripe checkout.",
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, Content: "Do you need search?"},
			{Role: domain.RoleUser, Content: "Parents want push reminders."},
		},
	}
	got := engine.DetectFeatures(cat, p, c)
	want := []string{"analytics", "notifications", "payments"}
	if !slices.Equal(got, want) {
		t.Fatalf("features %v, want %v", got, want)
	}
}

func TestBlueprintSuiteRequiresCompleteInterrogation(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	_, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := env.balance(t); got != 10 {
		t.Fatalf("no charge expected, balance %v", got)
	}
}

func TestBlueprintSuiteCompletes(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "marketplace", "payments")
	env.interview(t, p.ID)
	before := env.balance(t)

	var mu sync.Mutex
	var docs, fragments int
	suite, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, &engine.SuiteObserver{
		OnFragment: func(string, string) { mu.Lock(); fragments++; mu.Unlock() },
		OnDocument: func(domain.Blueprint) { mu.Lock(); docs++; mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("generate suite: %v", err)
	}
	want := engine.SelectBlueprintTypes(env.Engine.Config.Blueprints, "marketplace", suite.Features)
	if suite.Status != domain.SuiteComplete || suite.CompletedCount != len(want) || suite.TotalCount != len(want) {
		t.Fatalf("unexpected suite %+v", suite)
	}
	for _, b := range suite.Blueprints {
		if b.Status != domain.BlueprintComplete || strings.HasPrefix(b.Content, "```") {
			t.Fatalf("blueprint %s not cleanly complete: %+v", b.Type, b)
		}
	}
	if docs != len(want) || fragments != 2*len(want) {
		t.Fatalf("observer saw %d docs %d fragments", docs, fragments)
	}
	if got := env.balance(t); got != before-5 {
		t.Fatalf("suite charged once: before %v after %v", before, got)
	}
	if _, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil); err == nil {
		t.Fatalf("expected conflict regenerating a complete suite")
	}
}

func TestBlueprintSuitePartialThenRetry(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	env.interview(t, p.ID)
	env.AI.blueprint = func(title string) (string, error) {
		if title == "Database Design" {
			return "   ", nil
		}
		return "# " + title, nil
	}
	suite, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	if err != nil {
		t.Fatalf("partial suite should not error: %v", err)
	}
	if suite.Status != domain.SuitePartial || suite.CompletedCount != suite.TotalCount-1 {
		t.Fatalf("unexpected partial suite %+v", suite)
	}
	if got := env.balance(t); got != 10-0.5-5 {
		t.Fatalf("no refund under default policy, balance %v", got)
	}

	env.setBalance(t, 10)
	env.AI.blueprint = func(title string) (string, error) { return "# " + title, nil }
	calls := env.AI.count("blueprint")
	suite, err = env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if suite.Status != domain.SuiteComplete || suite.CompletedCount != suite.TotalCount {
		t.Fatalf("retry did not complete suite %+v", suite)
	}
	if got := env.AI.count("blueprint") - calls; got != 1 {
		t.Fatalf("retry should regenerate one document, did %d", got)
	}
}

func TestBlueprintSuiteProratedRefund(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Blueprints.RefundPolicy = config.RefundProrated
	p := env.project(t, "web-app")
	env.interview(t, p.ID)
	env.AI.blueprint = func(title string) (string, error) {
		if title == "Database Design" {
			return "", nil
		}
		return "# " + title, nil
	}
	suite, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	share := ledger.Credits(5) / ledger.Amount(suite.TotalCount)
	want := (ledger.Credits(10) - ledger.Credits(0.5) - ledger.Credits(5) + share).Float()
	if got := env.balance(t); got != want {
		t.Fatalf("balance %v, want %v", got, want)
	}
}

func TestBlueprintSuiteTotalFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	env.interview(t, p.ID)
	before := env.balance(t)
	env.AI.blueprint = func(string) (string, error) {
		return "", fmt.Errorf("%w: all keys rate limited", engine.ErrProviderExhausted)
	}
	_, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	if !errors.Is(err, engine.ErrProviderExhausted) {
		t.Fatalf("expected provider exhausted, got %v", err)
	}
	if got := env.balance(t); got != before {
		t.Fatalf("expected full refund, before %v after %v", before, got)
	}
	suite, err := env.Engine.BlueprintSuite(env.Ctx, "alice", p.ID)
	if err != nil || suite.Status != domain.SuitePartial || suite.CompletedCount != 0 {
		t.Fatalf("suite should stay retryable: %+v %v", suite, err)
	}
}

func TestBlueprintNestedFencesKeepWholeDocument(t *testing.T) {
	env := newTestEnv(t)
	const body = "## Entities\n```sql\nCREATE TABLE users (id TEXT PRIMARY KEY);\n```\n\n## Indexes\nidx_users_email"
	env.AI.blueprint = func(title string) (string, error) {
		return "```markdown\n# " + title + "\n\n" + body + "\n```", nil
	}
	p := env.project(t, "web-app")
	env.interview(t, p.ID)
	suite, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	if err != nil {
		t.Fatalf("generate suite: %v", err)
	}
	for _, b := range suite.Blueprints {
		if b.Status != domain.BlueprintComplete {
			t.Fatalf("blueprint %s status %s", b.Type, b.Status)
		}
		if !strings.HasPrefix(b.Content, "# ") || !strings.HasSuffix(b.Content, body) {
			t.Fatalf("blueprint %s content truncated: %q", b.Type, b.Content)
		}
	}
	stored, err := env.Engine.BlueprintSuite(env.Ctx, "alice", p.ID)
	if err != nil {
		t.Fatalf("fetch suite: %v", err)
	}
	for _, b := range stored.Blueprints {
		if !strings.Contains(b.Content, "## Indexes\nidx_users_email") {
			t.Fatalf("stored blueprint %s lost its tail: %q", b.Type, b.Content)
		}
	}
}

func readySequence(t *testing.T, env testEnv) (domain.Project, domain.PromptSequence) {
	t.Helper()
	p := env.project(t, "web-app")
	env.interview(t, p.ID)
	if _, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil); err != nil {
		t.Fatalf("suite: %v", err)
	}
	seq, err := env.Engine.GeneratePromptSequence(env.Ctx, "alice", p.ID)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	return p, seq
}

func TestPromptSequenceGeneration(t *testing.T) {
	env := newTestEnv(t)
	_, seq := readySequence(t, env)
	if seq.TotalPrompts != len(seq.Prompts) || seq.TotalPrompts == 0 {
		t.Fatalf("unexpected totals %+v", seq)
	}
	titles := map[string]bool{}
	for i, p := range seq.Prompts {
		if p.Sequence != i+1 {
			t.Fatalf("prompt %d has sequence %d", i, p.Sequence)
		}
		if titles[p.Title] {
			t.Fatalf("duplicate title %s", p.Title)
		}
		titles[p.Title] = true
		wantStatus := domain.PromptPending
		if i == 0 || len(p.Prerequisites) == 0 {
			wantStatus = domain.PromptUnlocked
		}
		if p.Status != wantStatus {
			t.Fatalf("prompt %s status %s, want %s", p.Title, p.Status, wantStatus)
		}
	}
	if seq.Prompts[0].Category != "setup" || seq.Prompts[len(seq.Prompts)-1].Category != "deployment" {
		t.Fatalf("unexpected category order: first %s last %s", seq.Prompts[0].Category, seq.Prompts[len(seq.Prompts)-1].Category)
	}
	if seq.CurrentPromptIndex != 1 {
		t.Fatalf("current index %d", seq.CurrentPromptIndex)
	}
}

func TestPromptSequenceDropsBadPrerequisitesAndDedupesTitles(t *testing.T) {
	env := newTestEnv(t)
	env.AI.sequence = func(category string, existing []string) (string, error) {
		return `[{"title":"Build it","content":"body","prerequisites":["Build it","Nonexistent","Later"]},{"title":"Later","content":"body"}]`, nil
	}
	_, seq := readySequence(t, env)
	first := seq.Prompts[0]
	if first.Title != "Build it" || len(first.Prerequisites) != 0 || first.Status != domain.PromptUnlocked {
		t.Fatalf("bad first prompt %+v", first)
	}
	if seq.Prompts[2].Title != "Build it (2)" {
		t.Fatalf("expected deduplicated title, got %s", seq.Prompts[2].Title)
	}
	// the second batch may reference an earlier batch's task
	if !slices.Equal(seq.Prompts[2].Prerequisites, []string{"Build it", "Later"}) {
		t.Fatalf("prereqs %v", seq.Prompts[2].Prerequisites)
	}
}

func TestPromptSequenceTasksWithCodeBlocks(t *testing.T) {
	env := newTestEnv(t)
	const snippet = "```bash\nnpm init -y\n```"
	env.AI.sequence = func(category string, existing []string) (string, error) {
		first := map[string]any{"title": category + ": first", "content": "Run:\n" + snippet + "\nThen commit."}
		second := map[string]any{"title": category + ": second", "content": "Check:\n```go\nfunc main() {}\n```", "prerequisites": []string{category + ": first"}}
		data, err := json.Marshal(map[string]any{"tasks": []any{first, second}})
		if err != nil {
			return "", err
		}
		return "Here is the plan [draft]:\n```json\n" + string(data) + "\n```\nLet me know.", nil
	}
	env.AI.regenerate = func(title string) (string, error) {
		data, err := json.Marshal(map[string]any{"tasks": []any{map[string]any{"title": title, "content": "Redo:\n" + snippet}}})
		return "```json\n" + string(data) + "\n```", err
	}
	p, seq := readySequence(t, env)
	if want := 2 * env.AI.count("sequence"); seq.TotalPrompts != want || len(seq.Prompts) != want {
		t.Fatalf("expected %d prompts, got total %d len %d", want, seq.TotalPrompts, len(seq.Prompts))
	}
	first := promptByTitle(t, seq, "setup: first")
	if !strings.Contains(first.Content, snippet+"\nThen commit.") {
		t.Fatalf("code block cut from content: %q", first.Content)
	}
	second := promptByTitle(t, seq, "setup: second")
	if !slices.Equal(second.Prerequisites, []string{"setup: first"}) {
		t.Fatalf("prerequisites lost: %v", second.Prerequisites)
	}
	got, err := env.Engine.RegeneratePrompt(env.Ctx, "alice", p.ID, first.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if got.Content != "Redo:\n"+snippet {
		t.Fatalf("regenerated content %q", got.Content)
	}
}

func TestPromptSequenceUnparsableRefunds(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "web-app")
	env.interview(t, p.ID)
	if _, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil); err != nil {
		t.Fatalf("suite: %v", err)
	}
	before := env.balance(t)
	env.AI.sequence = func(string, []string) (string, error) { return "no tasks today", nil }
	_, err := env.Engine.GeneratePromptSequence(env.Ctx, "alice", p.ID)
	var gf *engine.GenerationFailedError
	if !errors.As(err, &gf) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if got := env.balance(t); got != before {
		t.Fatalf("expected refund, before %v after %v", before, got)
	}
	if _, err := env.Engine.PromptSequence(env.Ctx, "alice", p.ID); !engine.IsNotFound(err) {
		t.Fatalf("no sequence should be stored, got %v", err)
	}
}

func TestPromptStatusPrerequisitesUnmet(t *testing.T) {
	env := newTestEnv(t)
	p, seq := readySequence(t, env)
	second := promptByTitle(t, seq, "setup: second")
	_, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, second.ID, domain.PromptCompleted)
	var pu *engine.PrerequisitesUnmetError
	if !errors.As(err, &pu) || !slices.Equal(pu.Titles, []string{"setup: first"}) {
		t.Fatalf("expected unmet prerequisites, got %v", err)
	}
	after, err := env.Engine.PromptSequence(env.Ctx, "alice", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := promptByTitle(t, after, "setup: second"); got.Status != domain.PromptPending {
		t.Fatalf("status changed to %s", got.Status)
	}
	if _, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, second.ID, "done"); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestPromptCompletionUnlocksAndCompletesSequence(t *testing.T) {
	env := newTestEnv(t)
	p, seq := readySequence(t, env)

	first := seq.Prompts[0]
	change, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, first.ID, domain.PromptInProgress)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	change, err = env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, first.ID, domain.PromptCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if change.Prompt.CompletedAt == nil || change.Sequence.CompletedPrompts != 1 {
		t.Fatalf("unexpected change %+v", change)
	}
	if !slices.Equal(change.Unlocked, []string{"setup: second"}) {
		t.Fatalf("unlocked %v", change.Unlocked)
	}
	if change.Sequence.CurrentPromptIndex != 2 {
		t.Fatalf("current index %d", change.Sequence.CurrentPromptIndex)
	}

	var last engine.StatusChange
	for _, pr := range seq.Prompts[1:] {
		last, err = env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, pr.ID, domain.PromptCompleted)
		if err != nil {
			t.Fatalf("complete %s: %v", pr.Title, err)
		}
	}
	if last.Sequence.Status != domain.SequenceComplete || last.Sequence.CompletedPrompts != last.Sequence.TotalPrompts {
		t.Fatalf("sequence not complete: %+v", last.Sequence)
	}

	lastPrompt := seq.Prompts[len(seq.Prompts)-1]
	undo, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, lastPrompt.ID, domain.PromptInProgress)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if undo.Sequence.CompletedPrompts != undo.Sequence.TotalPrompts-1 {
		t.Fatalf("counter not decremented: %d", undo.Sequence.CompletedPrompts)
	}
	if undo.Sequence.Status != domain.SequenceComplete {
		t.Fatalf("sequence status reverted to %s", undo.Sequence.Status)
	}
	if undo.Prompt.CompletedAt != nil {
		t.Fatalf("completed_at not cleared")
	}
}

func TestSkippedPrerequisiteUnlocks(t *testing.T) {
	env := newTestEnv(t)
	p, seq := readySequence(t, env)
	change, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, seq.Prompts[0].ID, domain.PromptSkipped)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if !slices.Equal(change.Unlocked, []string{"setup: second"}) || change.Sequence.CompletedPrompts != 0 {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestRegeneratePromptPreservesIdentity(t *testing.T) {
	env := newTestEnv(t)
	p, seq := readySequence(t, env)
	first := seq.Prompts[0]
	if _, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, first.ID, domain.PromptCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before := env.balance(t)
	got, err := env.Engine.RegeneratePrompt(env.Ctx, "alice", p.ID, first.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if got.Title != first.Title || got.Sequence != first.Sequence || got.Content != "Rewritten body." {
		t.Fatalf("identity not preserved: %+v", got)
	}
	if got.Status != domain.PromptUnlocked || got.CompletedAt != nil || got.RegeneratedCount != 1 {
		t.Fatalf("unexpected regenerated state: %+v", got)
	}
	if bal := env.balance(t); bal != before-0.5 {
		t.Fatalf("regeneration cost: before %v after %v", before, bal)
	}
	after, err := env.Engine.PromptSequence(env.Ctx, "alice", p.ID)
	if err != nil || after.CompletedPrompts != 0 {
		t.Fatalf("counter not decremented: %+v %v", after, err)
	}
}

func TestOwnershipHidesOtherUsersData(t *testing.T) {
	env := newTestEnv(t)
	p, seq := readySequence(t, env)
	if _, err := env.Engine.EnsureUser(env.Ctx, "mallory", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Conversation(env.Ctx, "mallory", p.ID); !engine.IsNotFound(err) {
		t.Fatalf("conversation leaked: %v", err)
	}
	if _, err := env.Engine.BlueprintSuite(env.Ctx, "mallory", p.ID); !engine.IsNotFound(err) {
		t.Fatalf("suite leaked: %v", err)
	}
	if _, err := env.Engine.UpdatePromptStatus(env.Ctx, "mallory", p.ID, seq.Prompts[0].ID, domain.PromptCompleted); !engine.IsNotFound(err) {
		t.Fatalf("prompt update leaked: %v", err)
	}
	if _, err := env.Engine.RegeneratePrompt(env.Ctx, "mallory", p.ID, seq.Prompts[0].ID); !engine.IsNotFound(err) {
		t.Fatalf("regenerate leaked: %v", err)
	}
	if _, err := env.Engine.AskNext(env.Ctx, engine.AskOptions{UserID: "mallory", ProjectID: p.ID, Message: "hi"}); !engine.IsNotFound(err) {
		t.Fatalf("interrogation leaked: %v", err)
	}
}

func TestEndToEndPipeline(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "saas", "payments")
	conv := env.interview(t, p.ID)
	if conv.QuestionsAsked != env.AI.completeAfter {
		t.Fatalf("questions asked %d", conv.QuestionsAsked)
	}
	suite, err := env.Engine.GenerateBlueprintSuite(env.Ctx, "alice", p.ID, nil)
	if err != nil || suite.Status != domain.SuiteComplete {
		t.Fatalf("suite %+v %v", suite, err)
	}
	seq, err := env.Engine.GeneratePromptSequence(env.Ctx, "alice", p.ID)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if !slices.ContainsFunc(seq.Prompts, func(p domain.ImplementationPrompt) bool { return p.Category == "payments" }) {
		t.Fatalf("payments category missing")
	}
	change, err := env.Engine.UpdatePromptStatus(env.Ctx, "alice", p.ID, seq.Prompts[0].ID, domain.PromptCompleted)
	if err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if !slices.Contains(change.Unlocked, seq.Prompts[1].Title) {
		t.Fatalf("second prompt not unlocked: %v", change.Unlocked)
	}
	page, err := env.Engine.ListEvents(env.Ctx, "alice", p.ID, 0, engine.MaxEventPage)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range page.Events {
		seen[e.Type] = true
	}
	for _, typ := range []string{"project.created", "conversation.completed", "suite.completed", "sequence.generated", "prompt.unlocked"} {
		if !seen[typ] {
			t.Fatalf("missing event %s in %v", typ, seen)
		}
	}
}
