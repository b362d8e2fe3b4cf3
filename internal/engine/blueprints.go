package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/ledger"
	"specline/internal/llm"
	"specline/internal/parse"
	"specline/internal/repo"
)

// staleGeneration is how long a suite may sit in generating before a new run may take it over.
const staleGeneration = 15 * time.Minute

// SuiteObserver receives progress while a suite is generated. Callbacks are
// serialized by the engine; any of them may be nil.
type SuiteObserver struct {
	OnStart    func(suite domain.BlueprintSuite)
	OnFragment func(blueprintType, delta string)
	OnDocument func(b domain.Blueprint)
}

type observer struct {
	mu  sync.Mutex
	obs *SuiteObserver
}

func (o *observer) start(s domain.BlueprintSuite) {
	if o.obs == nil || o.obs.OnStart == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs.OnStart(s)
}

func (o *observer) fragment(typ, delta string) {
	if o.obs == nil || o.obs.OnFragment == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs.OnFragment(typ, delta)
}

func (o *observer) document(b domain.Blueprint) {
	if o.obs == nil || o.obs.OnDocument == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs.OnDocument(b)
}

// GenerateBlueprintSuite charges the suite cost once, creates a pending
// placeholder per selected type and generates the documents concurrently.
// Running it again on a partial suite regenerates only the unfinished documents.
func (e Engine) GenerateBlueprintSuite(ctx context.Context, userID, projectID string, obs *SuiteObserver) (domain.BlueprintSuite, error) {
	project, err := e.Repo.GetProject(ctx, userID, projectID)
	if err != nil {
		return domain.BlueprintSuite{}, err
	}
	conv, err := e.Repo.GetConversation(ctx, project.ID, userID)
	if errors.Is(err, ErrNotFound) {
		return domain.BlueprintSuite{}, conflict("interrogation has not started for this project")
	}
	if err != nil {
		return domain.BlueprintSuite{}, err
	}
	if conv.Status != domain.ConversationComplete {
		return domain.BlueprintSuite{}, conflict("interrogation is not complete")
	}
	existing, err := e.Repo.GetSuite(ctx, project.ID, userID)
	retry := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.BlueprintSuite{}, err
	}
	if retry {
		switch existing.Status {
		case domain.SuiteComplete:
			return domain.BlueprintSuite{}, conflict("blueprint suite already generated")
		case domain.SuiteGenerating:
			if !e.isStale(existing.UpdatedAt) {
				return domain.BlueprintSuite{}, conflict("blueprint suite generation already in progress")
			}
		}
	}

	cost := e.cost(e.Config.Pricing.BlueprintSuite)
	if err := e.charge(ctx, userID, cost); err != nil {
		return domain.BlueprintSuite{}, err
	}

	var suite domain.BlueprintSuite
	if retry {
		suite = existing
		err = e.inTx(ctx, func(r repo.Repo) error {
			cutoff := e.now().Add(-staleGeneration).UTC().Format(time.RFC3339)
			if err := r.RestartSuite(ctx, suite.ID, userID, e.stamp(), cutoff); err != nil {
				if errors.Is(err, ErrNotFound) {
					return conflict("blueprint suite generation already in progress")
				}
				return err
			}
			return e.events().Append(ctx, r.Exec(), events.SuiteStarted, project.ID, "suite", suite.ID, userID, events.EventPayload{
				"retry": true, "remaining": suite.TotalCount - suite.CompletedCount,
			})
		})
	} else {
		suite, err = e.createSuite(ctx, project, conv, userID)
	}
	if err != nil {
		e.refund(ctx, userID, project.ID, cost, "blueprint suite not started")
		return domain.BlueprintSuite{}, err
	}
	if suite, err = e.Repo.GetSuite(ctx, project.ID, userID); err != nil {
		return domain.BlueprintSuite{}, err
	}

	o := &observer{obs: obs}
	o.start(suite)
	summary := SummarizeConversation(project, conv, suite.Features)
	var todo []domain.Blueprint
	for _, b := range suite.Blueprints {
		if b.Status != domain.BlueprintComplete {
			todo = append(todo, b)
		}
	}

	run, err := e.generateDocuments(ctx, suite, todo, summary, o)
	if err != nil {
		// Cancelled or store failure: leave the suite resumable.
		if _, ferr := e.Repo.FinishSuite(context.WithoutCancel(ctx), suite.ID, e.stamp()); ferr != nil {
			e.Log.Warn("settle interrupted suite", "suite_id", suite.ID, "error", ferr)
		}
		return domain.BlueprintSuite{}, err
	}

	var status string
	err = e.inTx(ctx, func(r repo.Repo) error {
		var err error
		status, err = r.FinishSuite(ctx, suite.ID, e.stamp())
		if err != nil {
			return err
		}
		evt := events.SuiteCompleted
		if status != domain.SuiteComplete {
			evt = events.SuitePartial
		}
		return e.events().Append(ctx, r.Exec(), evt, project.ID, "suite", suite.ID, userID, events.EventPayload{
			"attempted": len(todo), "failed": run.failures,
		})
	})
	if err != nil {
		return domain.BlueprintSuite{}, err
	}

	if run.failures > 0 && len(todo) > 0 {
		switch {
		case run.failures == len(todo):
			e.refund(ctx, userID, project.ID, cost, "every blueprint document failed")
			if errors.Is(run.lastErr, ErrProviderExhausted) {
				return domain.BlueprintSuite{}, run.lastErr
			}
			return domain.BlueprintSuite{}, &GenerationFailedError{Stage: "blueprint suite", Err: run.lastErr}
		case e.Config.Blueprints.RefundPolicy == config.RefundProrated:
			share := ledger.Amount(int64(cost) * int64(run.failures) / int64(len(todo)))
			e.refund(ctx, userID, project.ID, share, "prorated refund for failed blueprint documents")
		}
	}
	return e.Repo.GetSuite(ctx, project.ID, userID)
}

func (e Engine) isStale(updatedAt string) bool {
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return true
	}
	return e.now().Sub(t) > staleGeneration
}

func (e Engine) createSuite(ctx context.Context, project domain.Project, conv domain.Conversation, userID string) (domain.BlueprintSuite, error) {
	features := DetectFeatures(e.Config.Blueprints, project, conv)
	types := SelectBlueprintTypes(e.Config.Blueprints, project.ProjectType, features)
	now := e.stamp()
	suite := domain.BlueprintSuite{
		ID:             e.newID(),
		ProjectID:      project.ID,
		UserID:         userID,
		ConversationID: conv.ID,
		Status:         domain.SuiteGenerating,
		TotalCount:     len(types),
		ProjectType:    project.ProjectType,
		Features:       features,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.inTx(ctx, func(r repo.Repo) error {
		if err := r.InsertSuite(ctx, suite); err != nil {
			if isUniqueViolation(err) {
				return conflict("blueprint suite generation already in progress")
			}
			return fmt.Errorf("insert suite: %w", err)
		}
		for _, t := range types {
			doc := e.Config.Blueprints.Documents[t]
			if err := r.InsertBlueprint(ctx, domain.Blueprint{
				ID: e.newID(), SuiteID: suite.ID, Type: t, Title: doc.Title, Status: domain.BlueprintPending, UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert blueprint %s: %w", t, err)
			}
		}
		return e.events().Append(ctx, r.Exec(), events.SuiteStarted, project.ID, "suite", suite.ID, userID, events.EventPayload{
			"types": types, "features": features,
		})
	})
	return suite, err
}

type documentRun struct {
	failures int
	lastErr  error
}

// generateDocuments fills the given placeholders concurrently. Individual
// document failures are recorded on the blueprint and counted; only store
// errors and cancellation abort the run.
func (e Engine) generateDocuments(ctx context.Context, suite domain.BlueprintSuite, todo []domain.Blueprint, summary string, o *observer) (documentRun, error) {
	var (
		mu  sync.Mutex
		run documentRun
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Config.Blueprints.Concurrency)
	for _, b := range todo {
		g.Go(func() error {
			content, genErr := e.generateDocument(gctx, b, summary, o)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			now := e.stamp()
			if genErr != nil {
				mu.Lock()
				run.failures++
				run.lastErr = genErr
				mu.Unlock()
				e.Log.Warn("blueprint generation failed", "suite_id", suite.ID, "type", b.Type, "error", genErr)
				err := e.inTx(gctx, func(r repo.Repo) error {
					if err := r.FailBlueprint(gctx, suite.ID, b.ID, genErr.Error(), now); err != nil {
						return err
					}
					return e.events().Append(gctx, r.Exec(), events.BlueprintFailed, suite.ProjectID, "blueprint", b.ID, suite.UserID, events.EventPayload{
						"type": b.Type, "error": genErr.Error(),
					})
				})
				b.Status, b.Error, b.UpdatedAt = domain.BlueprintFailed, genErr.Error(), now
				o.document(b)
				return err
			}
			err := e.inTx(gctx, func(r repo.Repo) error {
				if _, err := r.CompleteBlueprint(gctx, suite.ID, b.ID, content, now); err != nil {
					return err
				}
				return e.events().Append(gctx, r.Exec(), events.BlueprintCompleted, suite.ProjectID, "blueprint", b.ID, suite.UserID, events.EventPayload{
					"type": b.Type, "chars": len(content),
				})
			})
			b.Status, b.Content, b.Error, b.UpdatedAt = domain.BlueprintComplete, content, "", now
			o.document(b)
			return err
		})
	}
	err := g.Wait()
	return run, err
}

func (e Engine) generateDocument(ctx context.Context, b domain.Blueprint, summary string, o *observer) (string, error) {
	doc, ok := e.Config.Blueprints.Documents[b.Type]
	if !ok {
		return "", fmt.Errorf("no document template for blueprint type %s", b.Type)
	}
	stream, err := e.AI.StreamComplete(ctx, blueprintSystem, blueprintPrompt(doc, summary))
	if err != nil {
		return "", err
	}
	raw, err := llm.Collect(stream, func(delta string) { o.fragment(b.Type, delta) })
	if err != nil {
		return "", err
	}
	content := parse.StripFences(raw)
	if strings.TrimSpace(content) == "" {
		return "", parse.ErrEmpty
	}
	return content, nil
}

// BlueprintSuite returns the caller's suite for a project.
func (e Engine) BlueprintSuite(ctx context.Context, userID, projectID string) (domain.BlueprintSuite, error) {
	if _, err := e.Repo.GetProject(ctx, userID, projectID); err != nil {
		return domain.BlueprintSuite{}, err
	}
	return e.Repo.GetSuite(ctx, projectID, userID)
}
