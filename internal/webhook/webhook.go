// Package webhook exposes the HTTP ingress for asynchronous provider
// callbacks (email delivery/open/bounce, voice call status), normalizes
// each provider's event shape into an eventlog.ProviderEvent, and always
// answers 204 No Content once the payload parses — matching
// internal/worker/webhook_receiver.go's "accept and move on" posture so
// a provider never retry-storms a transient downstream failure into our
// own HTTP surface.
package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/eventlog"
	"github.com/ignite/sequencer/internal/pkg/httputil"
	"github.com/ignite/sequencer/internal/pkg/logger"
)

func outcomeKindFromString(s string) domain.OutcomeKind {
	switch s {
	case "permanent_failure":
		return domain.OutcomePermanentFailure
	case "transient_failure":
		return domain.OutcomeTransientFailure
	default:
		return domain.OutcomeSent
	}
}

const maxBodyBytes = 5 * 1024 * 1024

// emailEvent is the normalized email-provider payload the ingress
// accepts. Campaign- and ESP-specific envelopes (SparkPost's nested
// msys object, SES's SNS wrapper, Mailgun's event-data object) are the
// caller's concern; Routes expects a provider-agnostic adapter to have
// already flattened them to this shape before the event reaches us, or
// the caller posts this shape directly if the provider already speaks
// plain JSON.
type emailEvent struct {
	Provider    string `json:"provider"`
	EventID     string `json:"event_id"`
	MessageRef  string `json:"external_ref"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
}

// voiceEvent is the normalized voice-provider callback payload.
type voiceEvent struct {
	Provider  string `json:"provider"`
	EventID   string `json:"event_id"`
	CallRef   string `json:"external_ref"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Ingress ingests normalized provider callbacks into the event log.
type Ingress struct {
	log *eventlog.Log
}

// New builds an Ingress backed by log.
func New(log *eventlog.Log) *Ingress {
	return &Ingress{log: log}
}

// Routes mounts the webhook endpoints under r, rate-limited per remote
// address ahead of idempotency dedupe so a retry storm from one bad
// provider cannot starve ingestion of events from others.
func (i *Ingress) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(100, time.Minute))
		r.Post("/webhooks/email", i.handleEmail)
		r.Post("/webhooks/voice", i.handleVoice)
	})
}

func emailOutcomeKind(eventType string) (kind, statusOK string) {
	switch eventType {
	case "bounce", "dropped", "failed":
		return "permanent_failure", "bounce"
	default:
		return "sent", eventType
	}
}

func (i *Ingress) handleEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var event emailEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if event.EventID == "" || event.MessageRef == "" {
		httputil.BadRequest(w, "event_id and external_ref are required")
		return
	}

	kindStr, _ := emailOutcomeKind(event.Type)
	ts := time.Now()
	if event.Timestamp > 0 {
		ts = time.Unix(event.Timestamp, 0).UTC()
	}

	err := i.log.Ingest(r.Context(), eventlog.ProviderEvent{
		Provider:    event.Provider,
		EventID:     event.EventID,
		ExternalRef: event.MessageRef,
		Kind:        outcomeKindFromString(kindStr),
		Timestamp:   ts,
	})
	if err != nil {
		logger.Warn("webhook: failed to ingest email event", "provider", event.Provider, "error", err.Error())
	}
	// Always 204: retries from a provider for a transient storage hiccup
	// would otherwise pile duplicate deliveries rather than fix anything.
	httputil.NoContent(w)
}

func (i *Ingress) handleVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var event voiceEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if event.EventID == "" || event.CallRef == "" {
		httputil.BadRequest(w, "event_id and external_ref are required")
		return
	}

	ts := time.Now()
	if event.Timestamp > 0 {
		ts = time.Unix(event.Timestamp, 0).UTC()
	}

	callOutcome := eventlog.CallOutcomeNone
	kind := "sent"
	switch event.Status {
	case "call.completed":
		callOutcome = eventlog.CallOutcomeCompleted
	case "call.failed":
		callOutcome = eventlog.CallOutcomeFailed
		kind = "permanent_failure"
	}

	err := i.log.Ingest(r.Context(), eventlog.ProviderEvent{
		Provider:    event.Provider,
		EventID:     event.EventID,
		ExternalRef: event.CallRef,
		Kind:        outcomeKindFromString(kind),
		CallOutcome: callOutcome,
		Timestamp:   ts,
	})
	if err != nil {
		logger.Warn("webhook: failed to ingest voice event", "provider", event.Provider, "error", err.Error())
	}
	httputil.NoContent(w)
}
