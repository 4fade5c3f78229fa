package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
)

type raiseDisputeRequest struct {
	RaisedBy string   `json:"raised_by"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

type resolveDisputeRequest struct {
	Resolution   string            `json:"resolution"`
	RefundAmount int64             `json:"refund_amount"`
	Details      map[string]string `json:"details"`
}

func (a *API) mountDisputes(r chi.Router) {
	r.Get("/v1/disputes/{did}", a.getDispute)
	r.Group(func(r chi.Router) {
		r.Use(RequireRole(roleAdmin))
		r.Post("/v1/disputes/{did}/review", a.reviewDispute)
		r.Post("/v1/disputes/{did}/resolve", a.resolveDispute)
	})
	r.Post("/v1/disputes/{did}/close", a.closeDispute)
}

func (a *API) raiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	who := actor(r)
	party := escrow.DisputeParty(strings.ToLower(strings.TrimSpace(req.RaisedBy)))
	switch who.Type {
	case audit.ActorPayer, audit.ActorPayee:
		// parties always raise disputes in their own name
		party = escrow.DisputeParty(who.Type)
	}
	d, err := a.engine.Disputes().RaiseDispute(r.Context(), chi.URLParam(r, "id"), party, req.Reason, req.Evidence, who)
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/disputes/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDisputes(w http.ResponseWriter, r *http.Request) {
	ds, err := a.engine.Disputes().ListByEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	if ds == nil {
		ds = []escrow.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ds})
}

func (a *API) getDispute(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.Disputes().Get(r.Context(), chi.URLParam(r, "did"))
	respondDispute(w, r, d, err)
}

func (a *API) reviewDispute(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.Disputes().ReviewDispute(r.Context(), chi.URLParam(r, "did"), actor(r))
	respondDispute(w, r, d, err)
}

func (a *API) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := escrow.Resolution(strings.ToLower(strings.TrimSpace(req.Resolution)))
	d, err := a.engine.Disputes().ResolveDispute(r.Context(), chi.URLParam(r, "did"), res, req.Details, req.RefundAmount, actor(r))
	respondDispute(w, r, d, err)
}

func (a *API) closeDispute(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.Disputes().CloseDispute(r.Context(), chi.URLParam(r, "did"), actor(r))
	respondDispute(w, r, d, err)
}

func respondDispute(w http.ResponseWriter, r *http.Request, d escrow.Dispute, err error) {
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
