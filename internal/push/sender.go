// Package push implements the push relay and listener webhook senders from
// spec.md §4.10, pacing outbound relay calls with golang.org/x/time/rate the
// way rclone-rclone's xpan backend paces its API client
// (backend/xpan/ratelimiter.go) rather than hand-rolling a token bucket.
package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cribcall/cribcall/internal/logging"
)

const (
	maxTokensPerRequest = 500
	relayTimeout        = 10 * time.Second
	retryBackoff        = 1 * time.Second
)

// Request is the body posted to the push relay.
type Request struct {
	MonitorID      string   `json:"monitorId"`
	MonitorName    string   `json:"monitorName"`
	Timestamp      int64    `json:"timestamp"`
	PeakLevel      int      `json:"peakLevel"`
	SubscriptionID string   `json:"subscriptionId"`
	FCMTokens      []string `json:"fcmToken"`
}

// Response is the push relay's reply.
type Response struct {
	Success       int      `json:"success"`
	Failure       int      `json:"failure"`
	InvalidTokens []string `json:"invalidTokens"`
}

// InvalidTokenRemover removes a token from the subscription registry once
// the relay has reported it permanently invalid.
type InvalidTokenRemover interface {
	RemoveFCMToken(token string) error
}

// Sender posts batched push requests to a configured relay URL, pacing
// requests with a token bucket so a noise storm can't hammer the relay.
type Sender struct {
	relayURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     InvalidTokenRemover
	log        logging.Logger
}

// NewSender builds a Sender that allows ratePerSecond relay calls per second
// with a burst of the same size.
func NewSender(relayURL string, ratePerSecond float64, tokens InvalidTokenRemover, log logging.Logger) *Sender {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	return &Sender{
		relayURL:   relayURL,
		httpClient: &http.Client{Timeout: relayTimeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
		tokens:     tokens,
		log:        log,
	}
}

// Send delivers req, batching its FCMTokens into groups of at most 500 per
// relay request per spec.md §4.9, and retrying each batch once on a 5xx
// response after a 1s backoff. 4xx is a permanent per-batch failure.
func (s *Sender) Send(ctx context.Context, req Request) error {
	for start := 0; start < len(req.FCMTokens); start += maxTokensPerRequest {
		end := start + maxTokensPerRequest
		if end > len(req.FCMTokens) {
			end = len(req.FCMTokens)
		}
		batch := req
		batch.FCMTokens = req.FCMTokens[start:end]
		if err := s.sendBatch(ctx, batch); err != nil {
			s.log.Errorf("push: batch delivery failed: %v", err)
		}
	}
	return nil
}

func (s *Sender) sendBatch(ctx context.Context, batch Request) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := s.post(ctx, batch)
	if err == nil && resp != nil {
		s.removeInvalid(resp.InvalidTokens)
		return nil
	}

	var status int
	if httpErr, ok := err.(*statusError); ok {
		status = httpErr.status
	}
	if status < 500 {
		return err
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, err = s.post(ctx, batch)
	if err != nil {
		return err
	}
	s.removeInvalid(resp.InvalidTokens)
	return nil
}

func (s *Sender) removeInvalid(tokens []string) {
	if s.tokens == nil {
		return
	}
	for _, tok := range tokens {
		if err := s.tokens.RemoveFCMToken(tok); err != nil {
			s.log.Errorf("push: failed to remove invalid token: %v", err)
		}
	}
}

func (s *Sender) post(ctx context.Context, batch Request) (*Response, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("push relay returned status %d: %s", e.status, e.body)
}

// WebhookSender delivers noise events to a single listener's mTLS webhook,
// per spec.md §4.10's "Listener webhook" contract.
type WebhookSender struct {
	httpClient *http.Client
}

// NewWebhookSender builds a client that authenticates as monitorCert. It
// does not verify the listener's server certificate: neither its chain nor
// its fingerprint is checked, by this sender or by Deliver's callers.
func NewWebhookSender(monitorCert tls.Certificate) *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: relayTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates:       []tls.Certificate{monitorCert},
					InsecureSkipVerify: true,
					MinVersion:         tls.VersionTLS12,
				},
			},
		},
	}
}

// WebhookEvent is the body posted to a listener's /api/noise-event endpoint.
type WebhookEvent struct {
	Type            string `json:"type"`
	RemoteDeviceID  string `json:"remoteDeviceId"`
	MonitorName     string `json:"monitorName"`
	Timestamp       int64  `json:"timestamp"`
	PeakLevel       int    `json:"peakLevel"`
	SubscriptionID  string `json:"subscriptionId"`
}

func (w *WebhookSender) Deliver(ctx context.Context, webhookURL string, event WebhookEvent) error {
	event.Type = "noise_event"
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL+"/api/noise-event", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery to %s: status %d", webhookURL, resp.StatusCode)
	}
	return nil
}
