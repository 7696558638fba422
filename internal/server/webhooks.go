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
	"time"

	"skywatch/internal/config"
	"skywatch/internal/domain"
	"skywatch/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// defaultWebhookTopics are delivered when a hook does not name its own.
var defaultWebhookTopics = []string{"auth", "recommendation", "observation"}

// webhookDispatcher forwards trail messages to configured HTTP endpoints.
// Each hook is a named consumer, so delivery progress survives restarts via
// access receipts and a message is posted at most once per hook.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
}

func startWebhookDispatcher(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	consumer := hook.Name
	if consumer == "" {
		consumer = fmt.Sprintf("webhook-%d", idx+1)
	}
	topics := hook.Topics
	if len(topics) == 0 {
		topics = defaultWebhookTopics
	}
	for _, topic := range topics {
		msgs, err := d.engine.Unseen(ctx, consumer, topic, defaultWebhookBatch)
		if err != nil {
			// Topics appear on first publish; nothing to deliver until then.
			continue
		}
		for _, m := range msgs {
			if err := d.postMessage(ctx, hook, topic, m); err != nil {
				log.Printf("webhook: deliver message %d to %s failed: %v", m.ID, hook.URL, err)
				break
			}
			if err := d.engine.MarkSeen(ctx, consumer, m.ID); err != nil {
				log.Printf("webhook: receipt for message %d failed: %v", m.ID, err)
				break
			}
		}
	}
}

type webhookMessage struct {
	ID    int64  `json:"id"`
	Topic string `json:"topic"`
	Time  string `json:"time"`
	Text  string `json:"text"`
}

func (d *webhookDispatcher) postMessage(ctx context.Context, hook config.WebhookConfig, topic string, m domain.Message) error {
	data, err := json.Marshal(webhookMessage{
		ID:    m.ID,
		Topic: topic,
		Time:  m.Time,
		Text:  m.Text,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Skywatch-Topic", topic)
	req.Header.Set("X-Skywatch-Delivery", fmt.Sprintf("%d", m.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Skywatch-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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
