package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/model"
)

const DefaultWebhookTimeout = 10 * time.Minute

// WebhookRequest is the body posted to the runtime bridge for a claimed turn.
type WebhookRequest struct {
	TenantID string  `json:"tenantId"`
	UserID   string  `json:"userId"`
	DeviceID string  `json:"deviceId,omitempty"`
	ThreadID string  `json:"threadId"`
	Claim    Claimed `json:"claim"`
}

// WebhookResponse names the runtime's ids for the turn it ran.
type WebhookResponse struct {
	RuntimeThreadID string `json:"runtimeThreadId,omitempty"`
	RuntimeTurnID   string `json:"runtimeTurnId,omitempty"`
}

// WebhookRunner hands claimed turns to a runtime bridge over HTTP. The bridge
// answers once the turn is over; any non-2xx answer fails the dispatch.
type WebhookRunner struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

var _ Runner = &WebhookRunner{}

func (w *WebhookRunner) RunTurn(ctx context.Context, actor model.Actor, threadID string, claim Claimed, started StartedFunc) error {
	if w == nil || w.URL == "" {
		return errors.New("webhook runner: url is empty")
	}
	body, err := json.Marshal(WebhookRequest{
		TenantID: actor.TenantID,
		UserID:   actor.UserID,
		DeviceID: actor.DeviceID,
		ThreadID: threadID,
		Claim:    claim,
	})
	if err != nil {
		return errors.Wrap(err, "webhook runner: encode request")
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "webhook runner: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", claim.IdempotencyKey)
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook runner: post")
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "webhook runner: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook runner: runtime answered %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out WebhookResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return errors.Wrap(err, "webhook runner: decode response")
		}
	}
	return started(out.RuntimeThreadID, out.RuntimeTurnID)
}
