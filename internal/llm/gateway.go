package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"specline/internal/logger"
)

// ErrProviderExhausted is returned after every configured credential failed once.
var ErrProviderExhausted = errors.New("all AI provider credentials failed")

var (
	ErrAttemptTimeout = errors.New("ai provider attempt timed out")
	ErrStreamStalled  = errors.New("ai stream stalled")
)

// GatewayConfig tunes retries. AttemptTimeout bounds a whole completion, the
// opening of a stream, and each gap between stream fragments.
type GatewayConfig struct {
	Options        Options
	AttemptTimeout time.Duration
	RateLimitDelay time.Duration
}

// Gateway rotates requests over an ordered set of providers. Each call advances a
// shared cursor once, then tries at most one attempt per provider starting there.
// It is safe for concurrent use.
type Gateway struct {
	providers []Provider
	cursor    atomic.Uint64
	cfg       GatewayConfig
	log       *logger.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewGateway(providers []Provider, cfg GatewayConfig, log *logger.Logger) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one AI provider credential is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 90 * time.Second
	}
	return &Gateway{
		providers: providers,
		cfg:       cfg,
		log:       log,
		sleep:     sleepCtx,
	}, nil
}

// NewOpenAIGateway builds one OpenAI-compatible provider per API key.
func NewOpenAIGateway(base Config, apiKeys []string, cfg GatewayConfig, log *logger.Logger) (*Gateway, error) {
	var providers []Provider
	for i, key := range apiKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		c := base
		c.APIKey = key
		c.Label = fmt.Sprintf("openai-%d", i+1)
		providers = append(providers, NewOpenAIProvider(c, nil))
	}
	return NewGateway(providers, cfg, log)
}

// Size returns the number of configured credentials.
func (g *Gateway) Size() int { return len(g.providers) }

func (g *Gateway) start() int {
	return int((g.cursor.Add(1) - 1) % uint64(len(g.providers)))
}

func messages(system, user string) []Message {
	return []Message{{Role: "system", Content: system}, {Role: "user", Content: user}}
}

// Complete returns the model's full reply.
func (g *Gateway) Complete(ctx context.Context, system, user string) (string, error) {
	var out string
	release, err := g.attempt(ctx, "complete", func(actx context.Context, p Provider) error {
		resp, err := p.Complete(actx, messages(system, user), g.cfg.Options)
		if err != nil {
			return err
		}
		out = resp.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	release()
	return out, nil
}

// StreamComplete opens a fragment stream. Rotation covers only opening the stream;
// a stream that fails or stalls midway ends with an Err event and is not restarted.
// The caller drains the returned channel until it closes.
func (g *Gateway) StreamComplete(ctx context.Context, system, user string) (<-chan StreamEvent, error) {
	var src <-chan StreamEvent
	release, err := g.attempt(ctx, "stream", func(actx context.Context, p Provider) error {
		ch, err := p.StreamComplete(actx, messages(system, user), g.cfg.Options)
		if err != nil {
			return err
		}
		src = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer release()
		idle := time.NewTimer(g.cfg.AttemptTimeout)
		defer idle.Stop()
		fail := func(err error) {
			release()
			for range src {
			}
			out <- StreamEvent{Err: err}
		}
		for {
			select {
			case evt, ok := <-src:
				if !ok {
					out <- StreamEvent{Err: ErrStreamIncomplete}
					return
				}
				idle.Reset(g.cfg.AttemptTimeout)
				select {
				case out <- evt:
				case <-ctx.Done():
					fail(ctx.Err())
					return
				}
				if evt.Done || evt.Err != nil {
					release()
					for range src {
					}
					return
				}
			case <-idle.C:
				g.log.Warn("ai stream stalled", "timeout", g.cfg.AttemptTimeout.String())
				fail(fmt.Errorf("%w: no output for %s", ErrStreamStalled, g.cfg.AttemptTimeout))
				return
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
	}()
	return out, nil
}

// attempt runs fn against successive providers. Each attempt's context is
// cancelled if fn has not returned within AttemptTimeout; after a successful
// return the context lives until the returned release func is called.
func (g *Gateway) attempt(ctx context.Context, op string, fn func(context.Context, Provider) error) (context.CancelFunc, error) {
	n := len(g.providers)
	first := g.start()
	var lastErr error
	for i := 0; i < n; i++ {
		p := g.providers[(first+i)%n]
		actx, cancel := context.WithCancelCause(ctx)
		timer := time.AfterFunc(g.cfg.AttemptTimeout, func() { cancel(ErrAttemptTimeout) })
		err := fn(actx, p)
		timer.Stop()
		if err == nil {
			return func() { cancel(context.Canceled) }, nil
		}
		if errors.Is(context.Cause(actx), ErrAttemptTimeout) {
			err = fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, g.cfg.AttemptTimeout, err)
		}
		cancel(context.Canceled)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		rateLimited := IsRateLimited(err)
		g.log.Warn("ai provider attempt failed",
			"op", op,
			"provider", p.Name(),
			"attempt", i+1,
			"of", n,
			"rate_limited", rateLimited,
			"error", err,
		)
		if rateLimited && i < n-1 {
			if err := g.sleep(ctx, g.cfg.RateLimitDelay*time.Duration(i+1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrProviderExhausted, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Collect drains a stream into one string, passing each fragment to onDelta when set.
// A stream that closes without a Done event is an error.
func Collect(ch <-chan StreamEvent, onDelta func(string)) (string, error) {
	var b strings.Builder
	for evt := range ch {
		if evt.Err != nil {
			for range ch {
			}
			return b.String(), evt.Err
		}
		if evt.Delta != "" {
			b.WriteString(evt.Delta)
			if onDelta != nil {
				onDelta(evt.Delta)
			}
		}
		if evt.Done {
			for range ch {
			}
			return b.String(), nil
		}
	}
	return b.String(), ErrStreamIncomplete
}
