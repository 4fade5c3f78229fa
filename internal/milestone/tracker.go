// Package milestone manages the milestones of an escrow: creation within the
// escrow total, submission with evidence, approval that schedules a payout
// and rejection.
package milestone

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/ids"
	"escrowd.org/internal/payout"
)

// NewMilestone is the input for CreateMilestone.
type NewMilestone struct {
	Title   string
	Amount  int64
	DueDate time.Time
}

// Tracker drives milestone changes through the escrow machine so that every
// milestone write commits with a version bump and an audit entry.
type Tracker struct {
	machine *escrow.Machine
	payouts *payout.Scheduler
	delay   time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPayoutDelay holds approved payouts for d before they fall due.
func WithPayoutDelay(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.delay = d
		}
	}
}

func NewTracker(m *escrow.Machine, p *payout.Scheduler, opts ...Option) *Tracker {
	t := &Tracker{machine: m, payouts: p}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var creatable = map[escrow.State]bool{
	escrow.StateFunded:            true,
	escrow.StateInProgress:        true,
	escrow.StateMilestoneApproved: true,
}

// CreateMilestone appends a pending milestone. The sum of all non-rejected
// milestones may not exceed what the escrow still holds for milestones.
func (t *Tracker) CreateMilestone(ctx context.Context, escrowID string, n NewMilestone, actor audit.Actor) (escrow.Milestone, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return escrow.Milestone{}, fmt.Errorf("%w: title required", escrow.ErrValidation)
	}
	if n.Amount <= 0 {
		return escrow.Milestone{}, fmt.Errorf("%w: amount must be positive", escrow.ErrValidation)
	}
	if err := escrow.Allow(actor, "add milestones", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return escrow.Milestone{}, err
	}
	id := ids.New()
	var created escrow.Milestone
	_, err := t.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: escrowID,
		Action:   "milestone.created",
		Actor:    actor,
		Details: map[string]string{
			escrow.MetaMilestoneID: id,
			"title":                n.Title,
			"amount":               strconv.FormatInt(n.Amount, 10),
		},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			if err := escrow.Owner(actor)(ctx, u); err != nil {
				return err
			}
			if !creatable[u.Escrow.State] {
				return fmt.Errorf("%w: cannot add milestones in %s", escrow.ErrValidation, u.Escrow.State)
			}
			ms, err := u.Tx.ListMilestones(ctx, escrowID)
			if err != nil {
				return err
			}
			f := escrow.Tally(u.Escrow, ms)
			if n.Amount > f.Available {
				return fmt.Errorf("%w: milestones would total %d, escrow holds %d", escrow.ErrValidation, f.Allocated+n.Amount, u.Escrow.Allocatable())
			}
			seq := 0
			for _, m := range ms {
				if m.Seq > seq {
					seq = m.Seq
				}
			}
			created = escrow.Milestone{
				ID:       id,
				EscrowID: escrowID,
				Seq:      seq + 1,
				Title:    n.Title,
				Amount:   n.Amount,
				DueDate:  n.DueDate.UTC(),
				Status:   escrow.MilestonePending,
			}
			return u.Tx.PutMilestone(ctx, created)
		},
	})
	if err != nil {
		return escrow.Milestone{}, err
	}
	return created, nil
}

// SubmitMilestone hands a pending milestone in for review on behalf of the
// payee. A rejected milestone may be resubmitted as long as it still fits
// the escrow total.
func (t *Tracker) SubmitMilestone(ctx context.Context, escrowID, milestoneID string, evidence []string, actor audit.Actor) (escrow.Milestone, error) {
	if err := escrow.Allow(actor, "submit milestones", audit.ActorPayee, audit.ActorAdmin); err != nil {
		return escrow.Milestone{}, err
	}
	evidence = cleanEvidence(evidence)
	var out escrow.Milestone
	_, err := t.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: escrowID,
		Event:    escrow.EventSubmitMilestone,
		Actor:    actor,
		Metadata: map[string]string{
			escrow.MetaMilestoneID: milestoneID,
			"evidence":             strconv.Itoa(len(evidence)),
		},
		Validate: escrow.Chain(escrow.Owner(actor), func(ctx context.Context, u *escrow.Unit) error {
			ms, err := u.Tx.GetMilestone(ctx, escrowID, milestoneID)
			if err != nil {
				return err
			}
			switch ms.Status {
			case escrow.MilestonePending:
				return nil
			case escrow.MilestoneRejected:
				all, err := u.Tx.ListMilestones(ctx, escrowID)
				if err != nil {
					return err
				}
				if f := escrow.Tally(u.Escrow, all); ms.Amount > f.Available {
					return fmt.Errorf("%w: resubmitting %s would exceed the escrow total", escrow.ErrValidation, milestoneID)
				}
				u.Metadata["resubmission"] = "true"
				return nil
			default:
				return fmt.Errorf("%w: milestone %s is %s, not pending", escrow.ErrValidation, milestoneID, ms.Status)
			}
		}),
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			ms, err := u.Tx.GetMilestone(ctx, escrowID, milestoneID)
			if err != nil {
				return err
			}
			now := u.Now
			ms.Status = escrow.MilestoneSubmitted
			ms.SubmittedAt = &now
			ms.ApprovedAt = nil
			ms.Evidence = evidence
			out = ms
			return u.Tx.PutMilestone(ctx, ms)
		},
	})
	if err != nil {
		return escrow.Milestone{}, err
	}
	return out, nil
}

// ApproveMilestone accepts a submitted milestone and schedules its payout in
// the same unit of work. Only the escrow's payer or an admin may approve.
func (t *Tracker) ApproveMilestone(ctx context.Context, escrowID, milestoneID string, actor audit.Actor) (escrow.Milestone, error) {
	if err := escrow.Allow(actor, "approve milestones", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return escrow.Milestone{}, err
	}
	var out escrow.Milestone
	_, err := t.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: escrowID,
		Event:    escrow.EventApproveMilestone,
		Actor:    actor,
		Metadata: map[string]string{escrow.MetaMilestoneID: milestoneID},
		Validate: escrow.Owner(actor),
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			ms, err := u.Tx.GetMilestone(ctx, escrowID, milestoneID)
			if err != nil {
				return err
			}
			now := u.Now
			ms.Status = escrow.MilestoneApproved
			ms.ApprovedAt = &now
			if err := u.Tx.PutMilestone(ctx, ms); err != nil {
				return err
			}
			out = ms
			return t.payouts.StageMilestone(ctx, u, ms, now.Add(t.delay))
		},
	})
	if err != nil {
		return escrow.Milestone{}, err
	}
	return out, nil
}

// RejectMilestone sends a submitted milestone back. The reason lives only in
// the audit trail.
func (t *Tracker) RejectMilestone(ctx context.Context, escrowID, milestoneID, reason string, actor audit.Actor) (escrow.Milestone, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return escrow.Milestone{}, fmt.Errorf("%w: reason required", escrow.ErrValidation)
	}
	if err := escrow.Allow(actor, "reject milestones", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return escrow.Milestone{}, err
	}
	var out escrow.Milestone
	_, err := t.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: escrowID,
		Event:    escrow.EventRejectMilestone,
		Actor:    actor,
		Metadata: map[string]string{escrow.MetaMilestoneID: milestoneID, "reason": reason},
		Validate: escrow.Owner(actor),
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			ms, err := u.Tx.GetMilestone(ctx, escrowID, milestoneID)
			if err != nil {
				return err
			}
			ms.Status = escrow.MilestoneRejected
			if err := u.Tx.PutMilestone(ctx, ms); err != nil {
				return err
			}
			out = ms
			_, err = t.payouts.CancelIn(ctx, u, milestoneID, reason)
			return err
		},
	})
	if err != nil {
		return escrow.Milestone{}, err
	}
	return out, nil
}

// List returns the escrow's milestones in insertion order.
func (t *Tracker) List(ctx context.Context, escrowID string) ([]escrow.Milestone, error) {
	var out []escrow.Milestone
	err := t.machine.View(ctx, func(tx escrow.Tx) error {
		if _, err := tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		ms, err := tx.ListMilestones(ctx, escrowID)
		out = ms
		return err
	})
	return out, err
}

// Get returns one milestone.
func (t *Tracker) Get(ctx context.Context, escrowID, milestoneID string) (escrow.Milestone, error) {
	var out escrow.Milestone
	err := t.machine.View(ctx, func(tx escrow.Tx) error {
		ms, err := tx.GetMilestone(ctx, escrowID, milestoneID)
		out = ms
		return err
	})
	return out, err
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
