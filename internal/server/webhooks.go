package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the audit log and forwards new entries to the
// configured webhook URLs. Each hook keeps its own cursor, initialized to
// the latest entry so a restart does not replay history.
type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher launches the audit tail in the background. A nil
// or empty webhook list is a no-op.
func StartWebhookDispatcher(r repo.Repo, webhooks []config.WebhookConfig) {
	if len(webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		repo:     r,
		webhooks: webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	entries, err := d.repo.AuditEntriesAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch audit entries failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newComponentFilter(hook.Components)
	for _, entry := range entries {
		if !filter.match(entry.Component) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestAuditEntryID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookPayload struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Level      string          `json:"level"`
	Component  string          `json:"component"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Target     string          `json:"target,omitempty"`
	Status     string          `json:"status"`
	Details    json.RawMessage `json:"details"`
	DurationMS *int64          `json:"duration_ms,omitempty"`
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	details := json.RawMessage([]byte("{}"))
	if entry.DetailsJSON != "" && json.Valid([]byte(entry.DetailsJSON)) {
		details = json.RawMessage([]byte(entry.DetailsJSON))
	}
	body := webhookPayload{
		ID:         entry.ID,
		TS:         entry.TS,
		Level:      entry.Level,
		Component:  entry.Component,
		Action:     entry.Action,
		Actor:      entry.Actor,
		Target:     entry.Target,
		Status:     entry.Status,
		Details:    details,
		DurationMS: entry.DurationMS,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steward-Action", entry.Action)
	req.Header.Set("X-Steward-Delivery", fmt.Sprintf("%d", entry.ID))
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type componentFilter struct {
	all bool
	set map[string]struct{}
}

func newComponentFilter(components []string) componentFilter {
	if len(components) == 0 {
		return componentFilter{all: true}
	}
	set := make(map[string]struct{}, len(components))
	for _, c := range components {
		key := strings.TrimSpace(c)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return componentFilter{all: true}
	}
	return componentFilter{set: set}
}

func (f componentFilter) match(component string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[component]
	return ok
}
