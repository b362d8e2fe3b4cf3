package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/logger"
	"specline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards pipeline events to configured HTTP endpoints.
// Each hook keeps its own cursor, starting at the newest event when the
// dispatcher is created; a failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.Webhook
	client   *http.Client
	log      *logger.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.Webhook, log *logger.Logger) *WebhookDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is canceled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor := d.cursorFor(ctx, hook)
	events, err := d.repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Error("webhook fetch events", "webhook", hook.ID, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook.ID, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("webhook delivery failed", "webhook", hook.ID, "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(hook.ID, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hook.ID]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.log.Error("webhook init cursor", "webhook", hook.ID, "error", err)
		cur = 0
	}
	d.cursors[hook.ID] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(id string, value int64) {
	d.mu.Lock()
	d.cursors[id] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	resp := eventResponse(evt)
	data, err := json.Marshal(webhookEvent{
		ID:         resp.ID,
		Type:       resp.Type,
		ProjectID:  resp.ProjectID,
		EntityKind: resp.EntityKind,
		EntityID:   resp.EntityID,
		ActorID:    resp.ActorID,
		TS:         resp.TS,
		Payload:    resp.Payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Specline-Event", evt.Type)
	req.Header.Set("X-Specline-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.ProjectID != "" {
		req.Header.Set("X-Specline-Project", evt.ProjectID)
	}
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Specline-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func signPayload(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
