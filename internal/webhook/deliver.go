package webhook

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
	"net/url"
	"time"

	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
)

// timestampLayout is RFC 3339 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type envelope struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// DeliveryError is returned once every attempt for one subscription failed.
type DeliveryError struct {
	WebhookID string
	URL       string
	Event     string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s: delivering %s to %s failed after %d attempts: %v",
		e.WebhookID, e.Event, e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (s *Service) encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     event,
		Timestamp: s.now().UTC().Format(timestampLayout),
		Payload:   payload,
	})
}

// deliver sends one event to one subscription, retrying with exponential
// backoff. The returned error is always a *DeliveryError.
func (s *Service) deliver(ctx context.Context, sub *Subscription, event string, payload interface{}) error {
	body, err := s.encode(event, payload)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return &DeliveryError{WebhookID: sub.ID, URL: sub.URL, Event: event, Err: fmt.Errorf("encode payload: %w", err)}
	}

	log := s.logger.With("webhook", sub.Name, "webhook_id", sub.ID, "event", event)
	var lastErr error
	attempts := 0
	for attempts < s.cfg.MaxAttempts {
		attempts++
		metrics.WebhookAttempts.Inc()
		lastErr = s.attempt(ctx, sub, event, body)
		if lastErr == nil {
			metrics.WebhookDeliveries.WithLabelValues("success").Inc()
			log.Debug("webhook delivered", "attempt", attempts)
			return nil
		}
		log.Warn("webhook attempt failed", "attempt", attempts, "err", lastErr)
		if attempts < s.cfg.MaxAttempts {
			if err := s.sleep(ctx, s.backoff(attempts)); err != nil {
				lastErr = err
				break
			}
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	derr := &DeliveryError{WebhookID: sub.ID, URL: sub.URL, Event: event, Attempts: attempts, Err: lastErr}
	log.Error("webhook delivery failed", "url", sub.URL, "attempts", attempts, "err", lastErr)
	return derr
}

// backoff is the wait after failed attempt n (1-based): 2^n * base.
func (s *Service) backoff(n int) time.Duration {
	return time.Duration(1<<uint(n)) * s.cfg.BackoffBase
}

func (s *Service) attempt(ctx context.Context, sub *Subscription, event string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}
	target := sub.URL
	var reader io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		u, err := withQuery(sub.URL, body)
		if err != nil {
			return err
		}
		target = u
	} else {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.cfg.HeaderPrefix+"-Event", event)
	for _, h := range sub.Headers {
		req.Header.Set(h.Key, h.Value)
	}
	if sub.Secret != "" {
		req.Header.Set(s.cfg.HeaderPrefix+"-Signature", Sign(sub.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// withQuery moves the top-level fields of a JSON body into the query string
// of raw. Non-string values are JSON-encoded.
func withQuery(raw string, body []byte) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	q := u.Query()
	for k, v := range fields {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			q.Set(k, str)
			continue
		}
		q.Set(k, string(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
