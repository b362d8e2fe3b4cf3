package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/engine"
	"specline/internal/engine/auth"
	"specline/internal/ledger"
	"specline/internal/llm"
	"specline/internal/logger"
	"specline/internal/migrate"
)

// ErrNoCredentials is returned by AI calls when no API key is configured.
var ErrNoCredentials = errors.New("no AI provider credentials configured; set llm.api_keys or SPECLINE_LLM_API_KEYS")

// Options selects how a Runtime is assembled. Empty fields fall back to specline.yml.
type Options struct {
	Workspace     string
	LogMode       string
	LogLevel      string
	APIKeys       []string
	LedgerBackend string
	RedisAddr     string
}

// Runtime bundles everything a command or the server needs against one workspace.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Log     *logger.Logger
	Ledger  ledger.Ledger
	Engine  engine.Engine
	closers []func() error
}

// Open prepares the workspace database, loads config and wires the ledger,
// AI gateway and engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	log, err := logger.New(opts.LogMode, opts.LogLevel)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: conn, Log: log, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load %s: %w", config.Path(opts.Workspace), err)
	}
	if opts.LedgerBackend != "" {
		cfg.Ledger.Backend = opts.LedgerBackend
	}
	if opts.RedisAddr != "" {
		cfg.Ledger.RedisAddr = opts.RedisAddr
	}
	cfg.LLM.APIKeys = append(cfg.LLM.APIKeys, opts.APIKeys...)
	rt.Config = cfg

	switch cfg.Ledger.Backend {
	case config.LedgerRedis:
		rl, err := ledger.NewRedisLedger(ctx, cfg.Ledger.RedisAddr, ledger.Credits(cfg.Pricing.DefaultBalance))
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Ledger = rl
		rt.closers = append(rt.closers, rl.Close)
	case config.LedgerSQLite, "":
		rt.Ledger = ledger.SQLLedger{DB: conn}
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	ai, err := newGateway(cfg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = engine.New(conn, cfg, rt.Ledger, ai, log)
	return rt, nil
}

func newGateway(cfg *config.Config, log *logger.Logger) (engine.AI, error) {
	var keys []string
	for _, k := range cfg.LLM.APIKeys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				keys = append(keys, part)
			}
		}
	}
	if len(keys) == 0 {
		log.Debug("ai gateway disabled", "reason", "no api keys")
		return noCredentials{}, nil
	}
	base := llm.Config{
		Model:       cfg.LLM.Model,
		Endpoint:    cfg.LLM.Endpoint,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	gw, err := llm.NewOpenAIGateway(base, keys, llm.GatewayConfig{
		Options:        llm.Options{MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature},
		AttemptTimeout: cfg.LLM.AttemptTimeout.Std(),
		RateLimitDelay: cfg.LLM.RateLimitDelay.Std(),
	}, log)
	if err != nil {
		return nil, err
	}
	log.Debug("ai gateway ready", "model", cfg.LLM.Model, "credentials", gw.Size())
	return gw, nil
}

// Auth returns the identity service for this workspace.
func (rt *Runtime) Auth(secret string, ttl time.Duration) auth.Service {
	return auth.Service{Repo: rt.Engine.Repo, Secret: secret, TokenTTL: ttl}
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.Log != nil {
		rt.Log.Sync()
	}
	return errors.Join(errs...)
}

// noCredentials lets commands that never reach the model run without keys.
type noCredentials struct{}

func (noCredentials) Complete(context.Context, string, string) (string, error) {
	return "", ErrNoCredentials
}

func (noCredentials) StreamComplete(context.Context, string, string) (<-chan llm.StreamEvent, error) {
	return nil, ErrNoCredentials
}
