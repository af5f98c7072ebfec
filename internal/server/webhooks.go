package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"

	"permitline/internal/config"
	"permitline/internal/domain"
	"permitline/internal/repo"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatch        = 100
)

// eventSource is the part of the store the dispatcher reads.
type eventSource interface {
	ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// subscriber is one configured endpoint and its delivery position.
type subscriber struct {
	url     string
	secret  string
	types   mapset.Set[string] // empty means every event type
	client  *http.Client
	cursor  int64
	started bool
}

func (s *subscriber) wants(eventType string) bool {
	return s.types.Cardinality() == 0 || s.types.Contains(eventType)
}

// WebhookDispatcher pushes audit events to configured endpoints, in event id
// order. A subscriber starts at the newest event present on its first poll and
// stops at the first failed delivery until the next poll.
type WebhookDispatcher struct {
	source      eventSource
	subscribers []*subscriber
	interval    time.Duration
	mu          sync.Mutex
}

// NewWebhookDispatcher returns nil when no enabled webhook is configured.
func NewWebhookDispatcher(r repo.Repo, cfg *config.Config) *WebhookDispatcher {
	if cfg == nil {
		return nil
	}
	var subs []*subscriber
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		url := strings.TrimSpace(hook.URL)
		if url == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		types := mapset.NewThreadUnsafeSet[string]()
		for _, t := range hook.Events {
			if t = strings.TrimSpace(t); t != "" {
				types.Add(t)
			}
		}
		subs = append(subs, &subscriber{
			url:    url,
			secret: strings.TrimSpace(hook.Secret),
			types:  types,
			client: &http.Client{Timeout: timeout},
		})
	}
	if len(subs) == 0 {
		return nil
	}
	return &WebhookDispatcher{source: r, subscribers: subs, interval: webhookPollInterval}
}

// Run polls until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if d == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
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

// DispatchAll runs one delivery round for every subscriber.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subscribers {
		d.deliver(ctx, sub)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, sub *subscriber) {
	entry := log.WithField("webhook", sub.url)
	if !sub.started {
		latest, err := d.source.LatestEventID(ctx)
		if err != nil {
			entry.WithError(err).Warn("webhook cursor init failed")
			return
		}
		sub.cursor, sub.started = latest, true
	}
	batch, err := d.source.ListEvents(ctx, repo.EventFilter{After: sub.cursor, Limit: webhookBatch})
	if err != nil {
		entry.WithError(err).Warn("webhook event fetch failed")
		return
	}
	for _, evt := range batch {
		if sub.wants(evt.Type) {
			if err := sub.post(ctx, evt); err != nil {
				entry.WithError(err).WithField("event_id", evt.ID).Warn("webhook delivery failed")
				return
			}
			entry.WithField("event_id", evt.ID).WithField("type", evt.Type).Debug("webhook delivered")
		}
		sub.cursor = evt.ID
	}
}

// webhookEvent is the delivered body: the API event view.
type webhookEvent struct {
	EventResponse
}

func (s *subscriber) post(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(webhookEvent{eventResponse(evt)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	h := req.Header
	h.Set("Content-Type", "application/json")
	h.Set("X-Permitline-Event", evt.Type)
	h.Set("X-Permitline-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.FormID != "" {
		h.Set("X-Permitline-Form", evt.FormID)
	}
	if s.secret != "" {
		h.Set("X-Permitline-Secret", s.secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("endpoint answered %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
