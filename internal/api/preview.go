package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/httputil"
	"github.com/ignite/sequencer/internal/render"
	"github.com/ignite/sequencer/internal/signature"
)

type renderPreviewRequest struct {
	SequenceID  string `json:"sequence_id"`
	StepIndex   int    `json:"step_index"`
	RecipientID string `json:"recipient_id"`
	// Engine selects the rendering grammar. "" (default) uses the
	// production {{name}} renderer; "liquid" renders the step's inline
	// body through the richer Liquid grammar instead, for operators
	// previewing templates authored against the legacy studio editor.
	Engine string `json:"engine,omitempty"`
}

type renderPreviewResponse struct {
	Subject   string `json:"subject"`
	RichBody  string `json:"rich_body"`
	PlainBody string `json:"plain_body"`
}

// RenderPreview handles POST /render/preview: renders a step for a real
// recipient without dispatching anything.
func (h *Handlers) RenderPreview(w http.ResponseWriter, r *http.Request) {
	var req renderPreviewRequest
	if !httputil.Decode(w, r, &req) {
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

	vars := h.previewVars(recipient, sender, seq, time.Now())

	if req.Engine == "liquid" {
		h.renderPreviewLiquid(w, step, vars)
		return
	}

	if step.Kind != domain.StepEmail {
		rendered, err := render.Render(step.Message, vars)
		if err != nil {
			writeEngineOrBadRequest(w, err)
			return
		}
		httputil.OK(w, renderPreviewResponse{RichBody: rendered, PlainBody: rendered})
		return
	}

	body := step.InlineBody
	if h.personal != nil {
		out := h.personal.Personalize(r.Context(), recipient, step.PersonalizationMode, fmt.Sprintf("sequence %q, step kind %s", seq.Name, step.Kind))
		for k, v := range out.Vars {
			vars[k] = v
		}
		if out.BodyReplaced {
			body = out.ReplaceBody
		}
	}

	subject, err := render.Render(step.InlineSubject, vars)
	if err != nil {
		writeEngineOrBadRequest(w, err)
		return
	}
	rendered, err := render.Render(body, vars)
	if err != nil {
		writeEngineOrBadRequest(w, err)
		return
	}

	composed := signature.Compose(sender, rendered)
	httputil.OK(w, renderPreviewResponse{Subject: subject, RichBody: composed.Rich, PlainBody: composed.Plain})
}

// renderPreviewLiquid renders a step's inline body/subject through the
// Liquid engine rather than the strict renderer, for legacy templates.
// Liquid errors (unlike the strict renderer's unclosed-brace rule) are
// reported as a 400 rather than a TemplateSyntaxError, since Liquid's
// own grammar decides what counts as malformed.
func (h *Handlers) renderPreviewLiquid(w http.ResponseWriter, step domain.Step, vars render.Vars) {
	bindings := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		bindings[k] = v
	}
	body := step.InlineBody
	if step.Kind != domain.StepEmail {
		body = step.Message
	}
	rendered, err := h.liquid.ParseAndRenderString(body, bindings)
	if err != nil {
		httputil.BadRequest(w, "liquid: "+err.Error())
		return
	}
	subject := step.InlineSubject
	if subject != "" {
		subject, err = h.liquid.ParseAndRenderString(subject, bindings)
		if err != nil {
			httputil.BadRequest(w, "liquid: "+err.Error())
			return
		}
	}
	httputil.OK(w, renderPreviewResponse{Subject: subject, RichBody: rendered, PlainBody: rendered})
}

// previewVars mirrors executor.recipientVars/senderVars/constantVars,
// duplicated here because those helpers are unexported: the preview
// path never dispatches and so has no need for the rest of Execute's
// state-transition logic, only the variable bag it builds.
func (h *Handlers) previewVars(recipient domain.Recipient, sender domain.Sender, seq domain.Sequence, now time.Time) render.Vars {
	return render.Vars{
		"first_name":    recipient.FirstName,
		"last_name":     recipient.LastName,
		"title":         recipient.Title,
		"email":         recipient.Email,
		"phone":         recipient.Phone,
		"linkedin_url":  recipient.NetworkURL,
		"company_name":  recipient.Attribute("company_name"),
		"industry":      recipient.Attribute("industry"),
		"city":          recipient.Attribute("city"),
		"state":         recipient.Attribute("state"),
		"sender_name":   sender.Name,
		"sender_email":  sender.Email,
		"sender_title":  sender.Title,
		"signature":     sender.SignaturePlain,
		"current_date":  now.UTC().Format("2006-01-02"),
		"campaign_name": seq.Name,
	}
}
