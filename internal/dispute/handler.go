package dispute

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/ids"
	"escrowd.org/internal/payout"
)

// Handler opens, reviews and settles disputes. At most one dispute per
// escrow is open or under review at any time.
type Handler struct {
	machine *escrow.Machine
	payouts *payout.Scheduler
}

func NewHandler(m *escrow.Machine, p *payout.Scheduler) *Handler {
	return &Handler{machine: m, payouts: p}
}

// RaiseDispute opens a dispute and moves the escrow to DISPUTED. Payers and
// payees raise disputes on their own escrows and in their own name; admins
// may raise on behalf of either party.
func (h *Handler) RaiseDispute(ctx context.Context, escrowID string, raisedBy escrow.DisputeParty, reason string, evidence []string, actor audit.Actor) (escrow.Dispute, error) {
	if raisedBy != escrow.PartyPayer && raisedBy != escrow.PartyPayee {
		return escrow.Dispute{}, fmt.Errorf("%w: raised_by %q", escrow.ErrValidation, raisedBy)
	}
	if err := escrow.Allow(actor, "raise disputes", audit.ActorPayer, audit.ActorPayee, audit.ActorAdmin); err != nil {
		return escrow.Dispute{}, err
	}
	if actor.Type != audit.ActorAdmin && string(actor.Type) != string(raisedBy) {
		return escrow.Dispute{}, fmt.Errorf("%w: a %s may not raise a dispute as %s", escrow.ErrValidation, actor.Type, raisedBy)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return escrow.Dispute{}, fmt.Errorf("%w: reason required", escrow.ErrValidation)
	}
	id := ids.New()
	var out escrow.Dispute
	_, err := h.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: escrowID,
		Event:    escrow.EventDispute,
		Actor:    actor,
		Metadata: map[string]string{
			escrow.MetaDisputeID: id,
			"raised_by":          string(raisedBy),
			"reason":             reason,
		},
		Validate: escrow.Chain(escrow.Owner(actor), func(ctx context.Context, u *escrow.Unit) error {
			if u.Escrow.State.Terminal() {
				return fmt.Errorf("%w: escrow is %s", escrow.ErrValidation, u.Escrow.State)
			}
			ds, err := u.Tx.ListDisputes(ctx, escrowID)
			if err != nil {
				return err
			}
			for _, d := range ds {
				if !d.Status.Terminal() {
					return fmt.Errorf("%w: dispute %s is still %s", escrow.ErrValidation, d.ID, d.Status)
				}
			}
			return nil
		}),
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			out = escrow.Dispute{
				ID:        id,
				EscrowID:  escrowID,
				RaisedBy:  raisedBy,
				Reason:    reason,
				Evidence:  cleanEvidence(evidence),
				Status:    escrow.DisputeOpen,
				CreatedAt: u.Now,
			}
			return u.Tx.PutDispute(ctx, out)
		},
	})
	if err != nil {
		return escrow.Dispute{}, err
	}
	return out, nil
}

// ReviewDispute puts an open dispute under admin review.
func (h *Handler) ReviewDispute(ctx context.Context, disputeID string, reviewer audit.Actor) (escrow.Dispute, error) {
	if reviewer.Type != audit.ActorAdmin {
		return escrow.Dispute{}, fmt.Errorf("%w: only admins review disputes", escrow.ErrValidation)
	}
	d, err := h.Get(ctx, disputeID)
	if err != nil {
		return escrow.Dispute{}, err
	}
	var out escrow.Dispute
	_, err = h.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: d.EscrowID,
		Action:   "dispute.under_review",
		Actor:    reviewer,
		Details:  map[string]string{escrow.MetaDisputeID: disputeID},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetDispute(ctx, d.EscrowID, disputeID)
			if err != nil {
				return err
			}
			if cur.Status != escrow.DisputeOpen {
				return fmt.Errorf("%w: dispute %s is %s, not open", escrow.ErrValidation, disputeID, cur.Status)
			}
			cur.Status = escrow.DisputeUnderReview
			out = cur
			return u.Tx.PutDispute(ctx, cur)
		},
	})
	if err != nil {
		return escrow.Dispute{}, err
	}
	return out, nil
}

// ResolveDispute settles a dispute under review. refundAmount is only read
// for partial refunds.
func (h *Handler) ResolveDispute(ctx context.Context, disputeID string, res escrow.Resolution, details map[string]string, refundAmount int64, actor audit.Actor) (escrow.Dispute, error) {
	if actor.Type != audit.ActorAdmin {
		return escrow.Dispute{}, fmt.Errorf("%w: only admins resolve disputes", escrow.ErrValidation)
	}
	d, err := h.Get(ctx, disputeID)
	if err != nil {
		return escrow.Dispute{}, err
	}
	if d.Status != escrow.DisputeUnderReview {
		return escrow.Dispute{}, fmt.Errorf("%w: dispute %s is %s, not under review", escrow.ErrValidation, disputeID, d.Status)
	}

	var first Settlement
	err = h.machine.View(ctx, func(tx escrow.Tx) error {
		e, err := tx.GetEscrow(ctx, d.EscrowID)
		if err != nil {
			return err
		}
		ms, err := tx.ListMilestones(ctx, d.EscrowID)
		if err != nil {
			return err
		}
		first, err = Settle(escrow.Tally(e, ms), res, refundAmount)
		return err
	})
	if err != nil {
		return escrow.Dispute{}, err
	}

	meta := map[string]string{
		escrow.MetaDisputeID: disputeID,
		"resolution":         string(res),
		"refund":             strconv.FormatInt(first.Refund, 10),
		"release":            strconv.FormatInt(first.Release, 10),
	}
	var out escrow.Dispute
	_, err = h.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: d.EscrowID,
		Event:    first.Event,
		Actor:    actor,
		Metadata: meta,
		Validate: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetDispute(ctx, d.EscrowID, disputeID)
			if err != nil {
				return err
			}
			if cur.Status != escrow.DisputeUnderReview {
				return fmt.Errorf("%w: dispute %s is %s, not under review", escrow.ErrValidation, disputeID, cur.Status)
			}
			ms, err := u.Tx.ListMilestones(ctx, d.EscrowID)
			if err != nil {
				return err
			}
			s, err := Settle(escrow.Tally(u.Escrow, ms), res, refundAmount)
			if err != nil {
				return err
			}
			if s != first {
				return fmt.Errorf("%w: escrow %s changed while resolving", escrow.ErrConcurrencyConflict, d.EscrowID)
			}
			return nil
		},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetDispute(ctx, d.EscrowID, disputeID)
			if err != nil {
				return err
			}
			if err := h.settle(ctx, u, first, disputeID); err != nil {
				return err
			}
			now := u.Now
			cur.Status = escrow.DisputeResolved
			cur.Resolution = res
			cur.ResolvedAt = &now
			if first.Refund > 0 {
				r := first.Refund
				cur.RefundAmount = &r
			}
			out = cur
			if err := u.Tx.PutDispute(ctx, cur); err != nil {
				return err
			}
			note := copyDetails(details)
			note[escrow.MetaDisputeID] = disputeID
			note["resolution"] = string(res)
			u.Audit("dispute.resolved", note)
			return nil
		},
	})
	if err != nil {
		return escrow.Dispute{}, err
	}
	return out, nil
}

// CloseDispute withdraws a dispute that has not been resolved and returns
// the escrow to IN_PROGRESS. Only the escrow's raising party or an admin may
// close.
func (h *Handler) CloseDispute(ctx context.Context, disputeID string, actor audit.Actor) (escrow.Dispute, error) {
	d, err := h.Get(ctx, disputeID)
	if err != nil {
		return escrow.Dispute{}, err
	}
	if actor.Type != audit.ActorAdmin && string(actor.Type) != string(d.RaisedBy) {
		return escrow.Dispute{}, fmt.Errorf("%w: only the %s or an admin may close dispute %s", escrow.ErrValidation, d.RaisedBy, disputeID)
	}
	var out escrow.Dispute
	_, err = h.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: d.EscrowID,
		Event:    escrow.EventResolveDispute,
		Actor:    actor,
		Metadata: map[string]string{escrow.MetaDisputeID: disputeID, "resolution": "withdrawn"},
		Validate: escrow.Chain(escrow.Owner(actor), func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetDispute(ctx, d.EscrowID, disputeID)
			if err != nil {
				return err
			}
			if cur.Status.Terminal() {
				return fmt.Errorf("%w: dispute %s is already %s", escrow.ErrValidation, disputeID, cur.Status)
			}
			return nil
		}),
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetDispute(ctx, d.EscrowID, disputeID)
			if err != nil {
				return err
			}
			if err := h.settle(ctx, u, Settlement{Event: escrow.EventResolveDispute, Reject: RejectSubmitted}, disputeID); err != nil {
				return err
			}
			now := u.Now
			cur.Status = escrow.DisputeClosed
			cur.ResolvedAt = &now
			out = cur
			return u.Tx.PutDispute(ctx, cur)
		},
	})
	if err != nil {
		return escrow.Dispute{}, err
	}
	return out, nil
}

// Get returns a dispute by id.
func (h *Handler) Get(ctx context.Context, disputeID string) (escrow.Dispute, error) {
	var out escrow.Dispute
	err := h.machine.View(ctx, func(tx escrow.Tx) error {
		d, err := tx.FindDispute(ctx, disputeID)
		out = d
		return err
	})
	return out, err
}

// ListByEscrow returns an escrow's disputes, oldest first.
func (h *Handler) ListByEscrow(ctx context.Context, escrowID string) ([]escrow.Dispute, error) {
	var out []escrow.Dispute
	err := h.machine.View(ctx, func(tx escrow.Tx) error {
		if _, err := tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		ds, err := tx.ListDisputes(ctx, escrowID)
		out = ds
		return err
	})
	return out, err
}

// settle applies s inside u: settlement totals, transfers and milestone
// rejections.
func (h *Handler) settle(ctx context.Context, u *escrow.Unit, s Settlement, disputeID string) error {
	u.Escrow.Refunded += s.Refund
	u.Escrow.Released += s.Release
	if s.Refund > 0 {
		if err := h.payouts.Stage(ctx, u, escrow.WorkItem{
			Key:       payout.SettlementKey(u.Escrow.ID, escrow.PayoutRefund, disputeID),
			Kind:      escrow.PayoutRefund,
			Recipient: u.Escrow.PayerID,
			Amount:    s.Refund,
		}); err != nil {
			return err
		}
	}
	if s.Release > 0 {
		if err := h.payouts.Stage(ctx, u, escrow.WorkItem{
			Key:       payout.SettlementKey(u.Escrow.ID, escrow.PayoutRelease, disputeID),
			Kind:      escrow.PayoutRelease,
			Recipient: u.Escrow.PayeeID,
			Amount:    s.Release,
		}); err != nil {
			return err
		}
	}
	if s.Reject == RejectNone {
		return nil
	}
	ms, err := u.Tx.ListMilestones(ctx, u.Escrow.ID)
	if err != nil {
		return err
	}
	for _, m := range ms {
		switch {
		case m.Status == escrow.MilestoneSubmitted,
			m.Status == escrow.MilestonePending && s.Reject == RejectOpen:
		default:
			continue
		}
		m.Status = escrow.MilestoneRejected
		if err := u.Tx.PutMilestone(ctx, m); err != nil {
			return err
		}
		u.Audit("milestone.rejected", map[string]string{
			escrow.MetaMilestoneID: m.ID,
			"reason":               "dispute " + disputeID,
		})
	}
	return nil
}

func cleanEvidence(in []string) []string {
	var out []string
	for _, e := range in {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func copyDetails(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
