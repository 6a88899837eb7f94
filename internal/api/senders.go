package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/sequencer/internal/pkg/httputil"
)

// HoldSender handles POST /senders/{email}/hold.
func (h *Handlers) HoldSender(w http.ResponseWriter, r *http.Request) {
	h.setHold(w, r, true)
}

// UnholdSender handles DELETE /senders/{email}/hold.
func (h *Handlers) UnholdSender(w http.ResponseWriter, r *http.Request) {
	h.setHold(w, r, false)
}

func (h *Handlers) setHold(w http.ResponseWriter, r *http.Request, onHold bool) {
	email := chi.URLParam(r, "email")
	if err := h.senders.SetOnHold(r.Context(), email, onHold); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.NoContent(w)
}
