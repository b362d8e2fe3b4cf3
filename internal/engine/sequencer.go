package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/parse"
	"specline/internal/repo"
)

type implCategory struct {
	Name    string
	Focus   string
	Sources []string
	Always  bool
}

// implementationCategories is the fixed generation order. A category without
// Always runs only when one of its source blueprints exists.
var implementationCategories = []implCategory{
	{Name: "setup", Focus: "repository, tooling, environments and project skeleton", Sources: []string{"mvp-features", "backend"}, Always: true},
	{Name: "database", Focus: "schema, migrations and data access", Sources: []string{"database"}},
	{Name: "backend", Focus: "services, endpoints and business logic", Sources: []string{"backend", "api-design"}},
	{Name: "auth-security", Focus: "authentication, authorization and hardening", Sources: []string{"security"}},
	{Name: "payments", Focus: "payment flows, billing and reconciliation", Sources: []string{"payment-integration"}},
	{Name: "integrations", Focus: "third-party services and platform features", Sources: []string{"notifications", "search", "realtime", "ai-integration", "file-storage", "analytics", "content-management", "trust-safety"}},
	{Name: "frontend", Focus: "user interface, design system and admin screens", Sources: []string{"frontend", "design-system", "admin-panel"}},
	{Name: "mobile", Focus: "mobile application", Sources: []string{"mobile"}},
	{Name: "testing", Focus: "automated tests and quality gates", Sources: []string{"mvp-features"}, Always: true},
	{Name: "deployment", Focus: "deployment pipeline, monitoring and launch", Sources: []string{"devops", "security"}, Always: true},
}

type generatedTask struct {
	Title              string   `json:"title"`
	Content            string   `json:"content"`
	UserActions        []string `json:"userActions"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Prerequisites      []string `json:"prerequisites"`
}

// taskBatch accepts {"tasks": [...]} or a bare array.
type taskBatch struct {
	Tasks []generatedTask `json:"tasks"`
}

func (b *taskBatch) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &b.Tasks)
	}
	type plain taskBatch
	return json.Unmarshal(data, (*plain)(b))
}

func taskPolicy() parse.Policy[taskBatch] {
	return parse.Policy[taskBatch]{
		Validate: func(b *taskBatch) error {
			kept := b.Tasks[:0]
			for _, t := range b.Tasks {
				t.Title = strings.TrimSpace(t.Title)
				t.Content = strings.TrimSpace(t.Content)
				if t.Title == "" || t.Content == "" {
					continue
				}
				kept = append(kept, t)
			}
			b.Tasks = kept
			if len(b.Tasks) == 0 {
				return errors.New("no usable tasks in model output")
			}
			return nil
		},
	}
}

// categoriesFor returns the categories to generate and the blueprints feeding each.
func categoriesFor(docs []domain.Blueprint) ([]implCategory, map[string][]domain.Blueprint) {
	byType := map[string]domain.Blueprint{}
	for _, d := range docs {
		if d.Status == domain.BlueprintComplete {
			byType[d.Type] = d
		}
	}
	var cats []implCategory
	sources := map[string][]domain.Blueprint{}
	for _, c := range implementationCategories {
		var feed []domain.Blueprint
		for _, s := range c.Sources {
			if d, ok := byType[s]; ok {
				feed = append(feed, d)
			}
		}
		if len(feed) == 0 && !c.Always {
			continue
		}
		cats = append(cats, c)
		sources[c.Name] = feed
	}
	return cats, sources
}

// DroppedPrerequisite records a prerequisite reference removed at creation time.
type DroppedPrerequisite struct {
	Prompt       string `json:"prompt"`
	Prerequisite string `json:"prerequisite"`
	Reason       string `json:"reason"`
}

type categorizedTask struct {
	category string
	task     generatedTask
}

// assemblePrompts numbers tasks in generation order, makes titles unique and
// keeps only prerequisites that name an earlier task.
func assemblePrompts(tasks []categorizedTask) ([]domain.ImplementationPrompt, []DroppedPrerequisite) {
	prompts := make([]domain.ImplementationPrompt, 0, len(tasks))
	exact := map[string]int{}
	folded := map[string]int{}
	for i, ct := range tasks {
		title := ct.task.Title
		if _, taken := exact[title]; taken {
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s (%d)", ct.task.Title, n)
				if _, taken := exact[candidate]; !taken {
					title = candidate
					break
				}
			}
		}
		seq := i + 1
		exact[title] = seq
		if _, ok := folded[strings.ToLower(ct.task.Title)]; !ok {
			folded[strings.ToLower(ct.task.Title)] = seq
		}
		prompts = append(prompts, domain.ImplementationPrompt{
			Sequence:           seq,
			Category:           ct.category,
			Title:              title,
			Content:            ct.task.Content,
			UserActions:        nonNil(ct.task.UserActions),
			AcceptanceCriteria: nonNil(ct.task.AcceptanceCriteria),
		})
	}
	titleOf := func(seq int) string { return prompts[seq-1].Title }

	var dropped []DroppedPrerequisite
	for i := range prompts {
		p := &prompts[i]
		prereqs := []string{}
		for _, raw := range tasks[i].task.Prerequisites {
			ref := strings.TrimSpace(raw)
			if ref == "" {
				continue
			}
			seq, ok := exact[ref]
			if !ok {
				seq, ok = folded[strings.ToLower(ref)]
			}
			reason := ""
			switch {
			case !ok:
				reason = "unknown title"
			case seq == p.Sequence:
				reason = "self reference"
			case seq > p.Sequence:
				reason = "refers to a later task"
			}
			if reason != "" {
				dropped = append(dropped, DroppedPrerequisite{Prompt: p.Title, Prerequisite: ref, Reason: reason})
				continue
			}
			if title := titleOf(seq); !slices.Contains(prereqs, title) {
				prereqs = append(prereqs, title)
			}
		}
		p.Prerequisites = prereqs
		if p.Sequence == 1 || len(prereqs) == 0 {
			p.Status = domain.PromptUnlocked
		} else {
			p.Status = domain.PromptPending
		}
	}
	return prompts, dropped
}

func nonNil(v []string) []string {
	out := []string{}
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GeneratePromptSequence turns a complete blueprint suite into the project's
// ordered task list. Categories are generated one after another so each batch
// sees the titles already planned. Any unusable batch abandons the run and
// refunds the charge.
func (e Engine) GeneratePromptSequence(ctx context.Context, userID, projectID string) (domain.PromptSequence, error) {
	project, err := e.Repo.GetProject(ctx, userID, projectID)
	if err != nil {
		return domain.PromptSequence{}, err
	}
	suite, err := e.Repo.GetSuite(ctx, project.ID, userID)
	if errors.Is(err, ErrNotFound) {
		return domain.PromptSequence{}, conflict("blueprint suite has not been generated")
	}
	if err != nil {
		return domain.PromptSequence{}, err
	}
	if suite.Status != domain.SuiteComplete {
		return domain.PromptSequence{}, conflict("blueprint suite is not complete")
	}
	if _, err := e.Repo.GetSequence(ctx, project.ID, userID); err == nil {
		return domain.PromptSequence{}, conflict("prompt sequence already generated")
	} else if !errors.Is(err, ErrNotFound) {
		return domain.PromptSequence{}, err
	}

	cost := e.cost(e.Config.Pricing.PromptSequence)
	if err := e.charge(ctx, userID, cost); err != nil {
		return domain.PromptSequence{}, err
	}

	cats, sources := categoriesFor(suite.Blueprints)
	var (
		tasks  []categorizedTask
		titles []string
	)
	for _, cat := range cats {
		raw, err := e.AI.Complete(ctx, sequenceSystem, sequencePrompt(project, cat, sources[cat.Name], titles))
		if err != nil {
			e.refund(ctx, userID, project.ID, cost, "prompt sequence provider failure")
			return domain.PromptSequence{}, err
		}
		res := parse.Decode(raw, taskPolicy())
		if res.Outcome != parse.Parsed {
			e.refund(ctx, userID, project.ID, cost, "prompt sequence output unusable")
			return domain.PromptSequence{}, &GenerationFailedError{Stage: "prompt sequence (" + cat.Name + ")", Err: res.Err}
		}
		for _, t := range res.Value.Tasks {
			tasks = append(tasks, categorizedTask{category: cat.Name, task: t})
			titles = append(titles, t.Title)
		}
	}

	prompts, dropped := assemblePrompts(tasks)
	now := e.stamp()
	seq := domain.PromptSequence{
		ID:                 e.newID(),
		ProjectID:          project.ID,
		UserID:             userID,
		Status:             domain.SequenceActive,
		TotalPrompts:       len(prompts),
		CurrentPromptIndex: 1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = e.inTx(ctx, func(r repo.Repo) error {
		if err := r.InsertSequence(ctx, seq); err != nil {
			if isUniqueViolation(err) {
				return conflict("prompt sequence already generated")
			}
			return fmt.Errorf("insert sequence: %w", err)
		}
		for _, p := range prompts {
			p.ID = e.newID()
			p.SequenceID = seq.ID
			p.ProjectID = project.ID
			p.CreatedAt, p.UpdatedAt = now, now
			if err := r.InsertPrompt(ctx, p); err != nil {
				return fmt.Errorf("insert prompt %d: %w", p.Sequence, err)
			}
		}
		payload := events.EventPayload{"total_prompts": len(prompts), "categories": len(cats)}
		if len(dropped) > 0 {
			payload["dropped_prerequisites"] = dropped
		}
		return e.events().Append(ctx, r.Exec(), events.SequenceGenerated, project.ID, "sequence", seq.ID, userID, payload)
	})
	if err != nil {
		e.refund(ctx, userID, project.ID, cost, "prompt sequence not stored")
		return domain.PromptSequence{}, err
	}
	if len(dropped) > 0 {
		e.Log.Warn("dropped unresolvable prerequisites", "project_id", project.ID, "count", len(dropped))
	}
	return e.Repo.GetSequence(ctx, project.ID, userID)
}

// PromptSequence returns the caller's sequence for a project.
func (e Engine) PromptSequence(ctx context.Context, userID, projectID string) (domain.PromptSequence, error) {
	if _, err := e.Repo.GetProject(ctx, userID, projectID); err != nil {
		return domain.PromptSequence{}, err
	}
	return e.Repo.GetSequence(ctx, projectID, userID)
}
