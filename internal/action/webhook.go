package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5000 * time.Millisecond

// webhookHandler performs a single rule-authored HTTP call. There is no retry.
type webhookHandler struct {
	deps Deps
}

func (h *webhookHandler) Type() Type { return TypeWebhook }

func (h *webhookHandler) Validate(a Action) error {
	if a.Webhook == nil || a.Webhook.URL == "" {
		return fmt.Errorf("webhookConfig.url is required for webhook actions")
	}
	u, err := url.Parse(a.Webhook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhookConfig.url must be an absolute http(s) URL")
	}
	switch strings.ToUpper(a.Webhook.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("webhookConfig.method %q is not supported", a.Webhook.Method)
	}
	return nil
}

func (h *webhookHandler) Execute(ctx context.Context, a Action, env *Env) (interface{}, error) {
	if err := h.Validate(a); err != nil {
		return nil, err
	}
	cfg := a.Webhook
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	timeout := defaultWebhookTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		payload := cfg.Body
		if payload == nil {
			payload = map[string]interface{}{
				"event":     env.EventType,
				"ticket":    env.Ticket(),
				"user":      env.User(),
				"timestamp": h.deps.Now().UTC().Format(time.RFC3339Nano),
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode webhook body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.deps.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook %s %s: %w", method, cfg.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s %s: unexpected status %d", method, cfg.URL, resp.StatusCode)
	}
	return map[string]interface{}{"status": resp.StatusCode}, nil
}
