package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/httputil"
	"github.com/ignite/sequencer/internal/pkg/logger"
	"github.com/ignite/sequencer/internal/render"
	"github.com/ignite/sequencer/internal/signature"
)

type sendTestRequest struct {
	SequenceID  string `json:"sequence_id"`
	StepIndex   int    `json:"step_index"`
	RecipientID string `json:"recipient_id"`
	TestAddress string `json:"test_address"`
}

type sendTestResponse struct {
	Status      string `json:"status"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// SendTest handles POST /send/test: renders the requested step exactly
// as a live send would and dispatches it to an arbitrary test address,
// bypassing the Rate Governor (a one-off operator preview send does not
// compete for a sender's daily cap or warmup ramp) but still logging a
// marked entry so the send shows up in the history the way a real one
// would.
func (h *Handlers) SendTest(w http.ResponseWriter, r *http.Request) {
	var req sendTestRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TestAddress == "" {
		httputil.BadRequest(w, "test_address is required")
		return
	}

	seq, err := h.sequences.GetSequence(r.Context(), req.SequenceID)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	step, ok := seq.StepAt(req.StepIndex)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("sequence %s has no step at index %d", req.SequenceID, req.StepIndex))
		return
	}
	recipient, err := h.recipients.GetRecipient(r.Context(), req.RecipientID)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	sender, err := h.senders.GetSender(r.Context(), seq.SenderEmail)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}

	adapter, ch, ok := h.adapterFor(step.Kind)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("no adapter configured for step kind %s", step.Kind))
		return
	}

	vars := h.previewVars(recipient, sender, seq, time.Now())
	if step.Kind == domain.StepEmail && h.personal != nil {
		out := h.personal.Personalize(r.Context(), recipient, step.PersonalizationMode, fmt.Sprintf("sequence %q, step kind %s", seq.Name, step.Kind))
		for k, v := range out.Vars {
			vars[k] = v
		}
		if out.BodyReplaced {
			step.InlineBody = out.ReplaceBody
		}
	}
	msg, subject, err := h.renderTestMessage(step, recipient, sender, vars, req.TestAddress)
	if err != nil {
		writeEngineOrBadRequest(w, err)
		return
	}

	result, err := adapter.Dispatch(r.Context(), msg, channel.SenderContext{SenderEmail: sender.Email})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	entry := domain.LogEntry{
		ID:          uuid.NewString(),
		StepIndex:   req.StepIndex,
		Channel:     ch,
		SenderEmail: sender.Email,
		RecipientID: recipient.ID,
		Subject:     subject,
		Status:      outcomeKindFromStatus(result.Status),
		ExternalRef: result.ExternalRef,
		VariantTags: []string{"test_send"},
		Timestamp:   time.Now().UTC(),
	}
	if err := h.sequences.InsertLogEntry(r.Context(), entry); err != nil {
		logger.Warn("send/test: failed to log entry", "error", err.Error())
	}

	httputil.OK(w, sendTestResponse{Status: string(result.Status), ExternalRef: result.ExternalRef})
}

func outcomeKindFromStatus(status channel.Status) domain.OutcomeKind {
	switch status {
	case channel.StatusTransientFailure:
		return domain.OutcomeTransientFailure
	case channel.StatusPermanentFailure:
		return domain.OutcomePermanentFailure
	default:
		return domain.OutcomeSent
	}
}

// renderTestMessage mirrors executor.buildMessage for the one step
// under test, retargeted at testAddress instead of the recipient's own
// contact details so the dispatch lands in the operator's inbox/phone.
func (h *Handlers) renderTestMessage(step domain.Step, recipient domain.Recipient, sender domain.Sender, vars render.Vars, testAddress string) (channel.Message, string, error) {
	if step.Kind == domain.StepEmail {
		subject, err := render.Render(step.InlineSubject, vars)
		if err != nil {
			return channel.Message{}, "", err
		}
		body, err := render.Render(step.InlineBody, vars)
		if err != nil {
			return channel.Message{}, "", err
		}
		composed := signature.Compose(sender, body)
		return channel.Message{
			From:      sender.Email,
			To:        testAddress,
			Subject:   "[TEST] " + subject,
			RichBody:  composed.Rich,
			PlainBody: composed.Plain,
		}, subject, nil
	}

	text, err := render.Render(step.Message, vars)
	if err != nil {
		return channel.Message{}, "", err
	}
	script, err := render.Render(step.Script, vars)
	if err != nil {
		return channel.Message{}, "", err
	}
	switch step.Kind {
	case domain.StepCall:
		return channel.Message{From: sender.Phone, To: testAddress, Script: script}, "", nil
	default:
		return channel.Message{Script: script, Text: text, NetworkURL: testAddress}, "", nil
	}
}
