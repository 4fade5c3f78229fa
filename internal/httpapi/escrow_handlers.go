package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/milestone"
	"escrowd.org/internal/payout"
)

type createEscrowRequest struct {
	PayerID  string `json:"payer_id"`
	PayeeID  string `json:"payee_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type fundRequest struct {
	Reference string `json:"reference"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type createMilestoneRequest struct {
	Title   string    `json:"title"`
	Amount  int64     `json:"amount"`
	DueDate time.Time `json:"due_date"`
}

type evidenceRequest struct {
	Evidence []string `json:"evidence"`
}

type schedulePayoutRequest struct {
	DueAt *time.Time `json:"due_at"`
}

type abortPayoutRequest struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

type auditPage struct {
	Items     []audit.Entry `json:"items"`
	NextAfter uint64        `json:"next_after"`
}

func (a *API) mountEscrows(r chi.Router) {
	r.Route("/v1/escrows", func(r chi.Router) {
		r.Post("/", a.createEscrow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getEscrow)
			r.Get("/funds", a.getFunds)
			r.Get("/audit", a.listAudit)
			r.Get("/payouts", a.listPayouts)
			r.Get("/events", a.Stream)
			r.Post("/fund", a.fundEscrow)
			r.Post("/start", a.startWork)
			r.Post("/cancel", a.cancelEscrow)
			r.Post("/refund", a.refundEscrow)
			r.Post("/complete", a.completeEscrow)

			r.Post("/milestones", a.createMilestone)
			r.Get("/milestones", a.listMilestones)
			r.Route("/milestones/{mid}", func(r chi.Router) {
				r.Get("/", a.getMilestone)
				r.Post("/submit", a.submitMilestone)
				r.Post("/approve", a.approveMilestone)
				r.Post("/reject", a.rejectMilestone)
				r.Post("/payout", a.schedulePayout)
				r.Post("/payout/cancel", a.cancelPayout)
			})

			r.Post("/disputes", a.raiseDispute)
			r.Get("/disputes", a.listDisputes)
		})
	})
}

func (a *API) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.engine.CreateEscrow(r.Context(), escrow.NewEscrow{
		PayerID:  req.PayerID,
		PayeeID:  req.PayeeID,
		Amount:   req.Amount,
		Currency: req.Currency,
	}, actor(r))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/escrows/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) getEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) getFunds(w http.ResponseWriter, r *http.Request) {
	f, err := a.engine.Funds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paid":      f.Paid,
		"committed": f.Committed,
		"open":      f.Open,
		"allocated": f.Allocated,
		"remaining": f.Remaining,
		"available": f.Available,
		"settled":   f.Settled(),
	})
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after uint64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a sequence number")
			return
		}
	}
	items, err := a.engine.AuditPage(r.Context(), chi.URLParam(r, "id"), after, limit)
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	next := after
	if len(items) > 0 {
		next = items[len(items)-1].Seq
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditPage{Items: items, NextAfter: next})
}

func (a *API) fundEscrow(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.engine.Fund(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Reference), actor(r))
	respondEscrow(w, r, e, err)
}

func (a *API) startWork(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine.StartWork(r.Context(), chi.URLParam(r, "id"), actor(r))
	respondEscrow(w, r, e, err)
}

func (a *API) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.engine.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	respondEscrow(w, r, e, err)
}

func (a *API) refundEscrow(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.engine.Refund(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	respondEscrow(w, r, e, err)
}

func (a *API) completeEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine.Complete(r.Context(), chi.URLParam(r, "id"), actor(r))
	respondEscrow(w, r, e, err)
}

func (a *API) createMilestone(w http.ResponseWriter, r *http.Request) {
	var req createMilestoneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	escrowID := chi.URLParam(r, "id")
	ms, err := a.engine.Milestones().CreateMilestone(r.Context(), escrowID, milestone.NewMilestone{
		Title:   req.Title,
		Amount:  req.Amount,
		DueDate: req.DueDate,
	}, actor(r))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/escrows/"+escrowID+"/milestones/"+ms.ID)
	writeJSON(w, http.StatusCreated, ms)
}

func (a *API) listMilestones(w http.ResponseWriter, r *http.Request) {
	ms, err := a.engine.Milestones().List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	if ms == nil {
		ms = []escrow.Milestone{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ms})
}

func (a *API) getMilestone(w http.ResponseWriter, r *http.Request) {
	ms, err := a.engine.Milestones().Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"))
	respondMilestone(w, r, ms, err)
}

func (a *API) submitMilestone(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ms, err := a.engine.Milestones().SubmitMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), req.Evidence, actor(r))
	respondMilestone(w, r, ms, err)
}

func (a *API) approveMilestone(w http.ResponseWriter, r *http.Request) {
	ms, err := a.engine.Milestones().ApproveMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r))
	respondMilestone(w, r, ms, err)
}

func (a *API) rejectMilestone(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ms, err := a.engine.Milestones().RejectMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), req.Reason, actor(r))
	respondMilestone(w, r, ms, err)
}

func (a *API) schedulePayout(w http.ResponseWriter, r *http.Request) {
	var req schedulePayoutRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	due := a.engine.Machine().Now()
	if req.DueAt != nil {
		due = req.DueAt.UTC()
	}
	escrowID, milestoneID := chi.URLParam(r, "id"), chi.URLParam(r, "mid")
	if err := a.engine.Payouts().Schedule(r.Context(), escrowID, milestoneID, due, actor(r)); err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"key":    payout.MilestoneKey(escrowID, milestoneID),
		"due_at": due,
	})
}

func (a *API) cancelPayout(w http.ResponseWriter, r *http.Request) {
	escrowID, milestoneID := chi.URLParam(r, "id"), chi.URLParam(r, "mid")
	if err := a.engine.Payouts().Cancel(r.Context(), escrowID, milestoneID, actor(r)); err != nil {
		handleEscrowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listPayouts(w http.ResponseWriter, r *http.Request) {
	items, err := a.engine.Payouts().List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	if items == nil {
		items = []escrow.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) abortPayout(w http.ResponseWriter, r *http.Request) {
	var req abortPayoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	if err := a.engine.Payouts().Abort(r.Context(), req.Key, actor(r), req.Reason); err != nil {
		handleEscrowError(w, r, err)
		return
	}
	item, err := a.engine.Payouts().Get(r.Context(), req.Key)
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func respondEscrow(w http.ResponseWriter, r *http.Request, e escrow.Escrow, err error) {
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func respondMilestone(w http.ResponseWriter, r *http.Request, ms escrow.Milestone, err error) {
	if err != nil {
		handleEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func handleEscrowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrConcurrencyConflict),
		errors.Is(err, escrow.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
