// Package events is the gateway's operation-notification hook: every FHIR
// operation can fire an OperationEvent at an external dispatcher,
// fire-and-forget. Event payloads never carry full resources — search and
// transaction events hold counts only, and read/create/update events hold
// just the resource type and id.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// OperationEvent describes one completed gateway operation.
type OperationEvent struct {
	ID             string         `json:"id"`
	Operation      string         `json:"operation"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
	PayloadSummary map[string]any `json:"payload_summary,omitempty"`
}

// Dispatcher is the external sink contract. Delivery guarantees and ordering
// are the dispatcher's concern, not the gateway's.
type Dispatcher interface {
	Emit(ctx context.Context, event OperationEvent)
}

// HTTPDispatcher POSTs the signed event JSON to a configured URL. Transport
// failures and 5xx responses are logged and retried after 1s and then 30s;
// other non-2xx responses are logged and not retried. No failure is ever
// surfaced to the gateway operation that emitted the event.
type HTTPDispatcher struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewHTTPDispatcher constructs a dispatcher posting to url. When secret is
// non-empty every body is signed with HMAC-SHA256 and the hex digest sent in
// an X-Event-Signature header.
func NewHTTPDispatcher(url, secret string) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:         url,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second},
	}
}

// Emit fires the event to the configured URL in its own goroutine. It never
// blocks the calling gateway operation and never surfaces an error to it.
func (d *HTTPDispatcher) Emit(ctx context.Context, event OperationEvent) {
	go d.deliver(context.WithoutCancel(ctx), event)
}

func (d *HTTPDispatcher) deliver(ctx context.Context, event OperationEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("operation", event.Operation).Msg("fhirgw events: failed to marshal operation event")
		return
	}

	for attempt := 0; ; attempt++ {
		if d.attemptDelivery(ctx, event, payload) {
			return
		}
		if attempt >= len(d.retryDelays) {
			log.Warn().Str("event_id", event.ID).Int("attempts", attempt+1).Msg("fhirgw events: giving up on delivery")
			return
		}
		select {
		case <-time.After(d.retryDelays[attempt]):
		case <-ctx.Done():
			return
		}
	}
}

func (d *HTTPDispatcher) attemptDelivery(ctx context.Context, event OperationEvent, payload []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Msg("fhirgw events: failed to build dispatch request")
		return true // not retryable
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Timestamp", event.Timestamp.UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set("X-Event-Signature", signPayload(payload, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("operation", event.Operation).Msg("fhirgw events: dispatch failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		log.Warn().Int("status", resp.StatusCode).Str("operation", event.Operation).Msg("fhirgw events: dispatch rejected, will retry")
		return false
	}
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("operation", event.Operation).Msg("fhirgw events: dispatch rejected")
	}
	return true
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// NoopDispatcher discards every event.
type NoopDispatcher struct{}

func (NoopDispatcher) Emit(context.Context, OperationEvent) {}

// Emitter wraps a Dispatcher (or none) with the construction helper gateway
// operations call. Disabled emitters are a no-op.
type Emitter struct {
	dispatcher Dispatcher
	enabled    bool
}

// New constructs an Emitter. A nil dispatcher or enabled=false makes every
// Emit call a no-op.
func New(dispatcher Dispatcher, enabled bool) *Emitter {
	if dispatcher == nil {
		dispatcher = NoopDispatcher{}
	}
	return &Emitter{dispatcher: dispatcher, enabled: enabled}
}

// Emit constructs and fires an OperationEvent. summary must already be free
// of PHI: counts for search/transaction, nothing but id and type otherwise.
func (e *Emitter) Emit(ctx context.Context, operation, resourceType, resourceID, source string, summary map[string]any) {
	if e == nil || !e.enabled {
		return
	}
	e.dispatcher.Emit(ctx, OperationEvent{
		ID:             uuid.NewString(),
		Operation:      operation,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Source:         source,
		Timestamp:      time.Now().UTC(),
		PayloadSummary: summary,
	})
}
