package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/ledger"
	"specline/internal/llm"
	"specline/internal/logger"
	"specline/internal/repo"
)

// AI is the text-completion gateway the pipeline stages call.
type AI interface {
	Complete(ctx context.Context, system, user string) (string, error)
	StreamComplete(ctx context.Context, system, user string) (<-chan llm.StreamEvent, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Ledger ledger.Ledger
	AI     AI
	Log    *logger.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, cfg *config.Config, l ledger.Ledger, ai AI, log *logger.Logger) Engine {
	if log == nil {
		log = logger.Nop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Ledger: l,
		AI:     ai,
		Log:    log,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// inTx runs fn inside one transaction with a Repo bound to it.
func (e Engine) inTx(ctx context.Context, fn func(r repo.Repo) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(e.Repo.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) cost(v float64) ledger.Amount {
	return ledger.Credits(v)
}

// charge deducts cost from the user's account; a refused deduction is *InsufficientCreditsError.
func (e Engine) charge(ctx context.Context, userID string, cost ledger.Amount) error {
	if cost <= 0 {
		return nil
	}
	if e.Ledger == nil {
		return errors.New("credit ledger not configured")
	}
	remaining, err := ledger.Charge(ctx, e.Ledger, userID, cost)
	if err != nil {
		return err
	}
	e.Log.Debug("credits charged", "user_id", userID, "cost", cost.Float(), "remaining", remaining.Float())
	return nil
}

// refund compensates a charge whose action did not deliver. It is best effort:
// a failed refund is logged, never returned.
func (e Engine) refund(ctx context.Context, userID, projectID string, amount ledger.Amount, reason string) {
	if amount <= 0 || e.Ledger == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	balance, err := e.Ledger.Grant(ctx, userID, amount)
	if err != nil {
		e.Log.Error("credit refund failed", "user_id", userID, "project_id", projectID, "amount", amount.Float(), "reason", reason, "error", err)
		return
	}
	if err := e.events().Append(ctx, e.DB, events.CreditsRefunded, projectID, "user", userID, userID, events.EventPayload{
		"amount":  amount.Float(),
		"reason":  reason,
		"balance": balance.Float(),
	}); err != nil {
		e.Log.Warn("record refund event", "error", err)
	}
}

// EnsureUser returns the user record, creating it with the default balance on first sight.
func (e Engine) EnsureUser(ctx context.Context, userID, email string) (domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.User{}, invalidInput("user id is required")
	}
	return e.Repo.EnsureUser(ctx, userID, email, int64(e.cost(e.Config.Pricing.DefaultBalance)), e.now())
}

// Balance returns the user's spendable credits.
func (e Engine) Balance(ctx context.Context, userID string) (float64, error) {
	amt, err := e.Ledger.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return amt.Float(), nil
}

// GrantCredits adds credits to an account. It is an administrative action.
func (e Engine) GrantCredits(ctx context.Context, userID string, amount float64, actorID string) (float64, error) {
	amt := e.cost(amount)
	if amt <= 0 {
		return 0, invalidInput("grant amount must be positive")
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	balance, err := e.Ledger.Grant(ctx, userID, amt)
	if err != nil {
		return 0, err
	}
	if err := e.events().Append(ctx, e.DB, "credits.granted", "", "user", userID, actorID, events.EventPayload{
		"amount": amt.Float(), "balance": balance.Float(),
	}); err != nil {
		return 0, err
	}
	return balance.Float(), nil
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	UserID      string
	Title       string
	ProjectType string
	Features    []string
	TechStack   string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Project{}, invalidInput("title is required")
	}
	pt := strings.TrimSpace(opts.ProjectType)
	if pt == "" {
		pt = "web-app"
	}
	if _, ok := e.Config.Blueprints.ProjectTypes[pt]; !ok {
		return domain.Project{}, invalidInput("unknown project type %s (known: %s)", pt, strings.Join(e.Config.Blueprints.ProjectTypeNames(), ", "))
	}
	features := []string{}
	seen := map[string]bool{}
	for _, f := range opts.Features {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		if _, ok := e.Config.Blueprints.Features[f]; !ok {
			return domain.Project{}, invalidInput("unknown feature %s", f)
		}
		seen[f] = true
		features = append(features, f)
	}
	p := domain.Project{
		ID:          e.newID(),
		UserID:      opts.UserID,
		Title:       title,
		ProjectType: pt,
		Features:    features,
		TechStack:   strings.TrimSpace(opts.TechStack),
		CreatedAt:   e.stamp(),
	}
	err := e.inTx(ctx, func(r repo.Repo) error {
		if err := r.InsertProject(ctx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.events().Append(ctx, r.Exec(), events.ProjectCreated, p.ID, "project", p.ID, opts.UserID, events.EventPayload{
			"title": p.Title, "project_type": p.ProjectType, "features": p.Features,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, userID, projectID string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, userID, projectID)
}

func (e Engine) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, userID)
}

func (e Engine) DeleteProject(ctx context.Context, userID, projectID string) error {
	return e.inTx(ctx, func(r repo.Repo) error {
		if err := r.DeleteProject(ctx, userID, projectID); err != nil {
			return err
		}
		return e.events().Append(ctx, r.Exec(), events.ProjectDeleted, projectID, "project", projectID, userID, nil)
	})
}

// MaxEventPage caps a single events listing.
const MaxEventPage = 500

// EventPage is one page of a project's events. More reports whether further
// events follow the last one returned.
type EventPage struct {
	Events []domain.Event
	More   bool
}

// ListEvents returns up to limit events of the project's audit trail after afterID.
// Limits outside 1..MaxEventPage are clamped.
func (e Engine) ListEvents(ctx context.Context, userID, projectID string, afterID int64, limit int) (EventPage, error) {
	if _, err := e.Repo.GetProject(ctx, userID, projectID); err != nil {
		return EventPage{}, err
	}
	limit = min(max(limit, 1), MaxEventPage)
	evts, err := e.Repo.ListEvents(ctx, projectID, afterID, limit+1)
	if err != nil {
		return EventPage{}, err
	}
	page := EventPage{Events: evts}
	if len(evts) > limit {
		page.Events, page.More = evts[:limit], true
	}
	return page, nil
}
