package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/httputil"
)

type createSequenceRequest struct {
	CampaignID  string        `json:"campaign_id"`
	Name        string        `json:"name"`
	SenderEmail string        `json:"sender_email"`
	Steps       []domain.Step `json:"steps"`
}

// CreateSequence handles POST /sequences.
func (h *Handlers) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	seq := domain.Sequence{
		CampaignID:  req.CampaignID,
		Name:        req.Name,
		SenderEmail: req.SenderEmail,
		Steps:       req.Steps,
		CreatedAt:   time.Now().UTC(),
	}
	if err := seq.Validate(); err != nil {
		writeEngineOrBadRequest(w, err)
		return
	}

	if err := h.sequences.CreateSequence(r.Context(), seq); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, seq)
}

type replaceStepsRequest struct {
	Steps []domain.Step `json:"steps"`
}

// ReplaceSteps handles PUT /sequences/{sequenceID}. Forbidden while any
// enrollment on the sequence is in_flight: the Scheduler may be mid-step
// against the sequence snapshot the Step Executor cached, and a step
// replacement under it would leave that in-flight enrollment advancing
// against steps that no longer exist.
func (h *Handlers) ReplaceSteps(w http.ResponseWriter, r *http.Request) {
	sequenceID := chi.URLParam(r, "sequenceID")

	var req replaceStepsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	for _, step := range req.Steps {
		if err := step.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	inFlight, err := h.sequences.HasInFlightEnrollments(r.Context(), sequenceID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if inFlight {
		httputil.Error(w, http.StatusConflict, "sequence has in_flight enrollments; wait for them to settle before replacing steps")
		return
	}

	if err := h.sequences.ReplaceSteps(r.Context(), sequenceID, req.Steps); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if h.invalidateSequence != nil {
		h.invalidateSequence(sequenceID)
	}
	httputil.NoContent(w)
}

// SequenceStatus handles GET /sequences/{sequenceID}/status.
func (h *Handlers) SequenceStatus(w http.ResponseWriter, r *http.Request) {
	sequenceID := chi.URLParam(r, "sequenceID")
	counts, err := h.sequences.StatusCounts(r.Context(), sequenceID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, counts)
}

type createEnrollmentsRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
}

type createEnrollmentsResponse struct {
	Created int `json:"created"`
}

// CreateEnrollments handles POST /sequences/{sequenceID}/enrollments. A
// recipient already live on the sequence is silently skipped rather
// than rejecting the whole batch, per the at-most-one-live-enrollment
// invariant.
func (h *Handlers) CreateEnrollments(w http.ResponseWriter, r *http.Request) {
	sequenceID := chi.URLParam(r, "sequenceID")

	var req createEnrollmentsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.RecipientIDs) == 0 {
		httputil.BadRequest(w, "recipient_ids must not be empty")
		return
	}

	created, err := h.sequences.CreateEnrollments(r.Context(), sequenceID, req.RecipientIDs, time.Now().UTC())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, createEnrollmentsResponse{Created: created})
}

// RetryEnrollment handles POST /enrollments/{enrollmentID}/retry: clears
// attempts and sets due-at to now for a failed enrollment.
func (h *Handlers) RetryEnrollment(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "enrollmentID")
	if err := h.sequences.RetryEnrollment(r.Context(), enrollmentID, time.Now().UTC()); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.NoContent(w)
}

// writeEngineOrBadRequest maps a domain.EngineError's Kind to the
// {kind, message} error shape; any other error is a plain 400.
func writeEngineOrBadRequest(w http.ResponseWriter, err error) {
	if engErr, ok := err.(*domain.EngineError); ok {
		httputil.JSON(w, http.StatusBadRequest, map[string]string{
			"kind":    string(engErr.Kind),
			"message": engErr.Message,
		})
		return
	}
	httputil.BadRequest(w, err.Error())
}
