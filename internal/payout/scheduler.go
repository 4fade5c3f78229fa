package payout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/ids"
	"escrowd.org/internal/obs"
)

// Config bounds retries and gateway calls.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
		Timeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Backoff returns the wait before retry number attempt (1-based): base
// doubled per attempt, capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// MilestoneKey is the idempotency key of a milestone payout.
func MilestoneKey(escrowID, milestoneID string) string {
	return escrowID + "/" + milestoneID
}

// SettlementKey is the idempotency key of a dispute settlement transfer.
func SettlementKey(escrowID string, kind escrow.PayoutKind, disputeID string) string {
	return escrowID + "/" + string(kind) + "/" + disputeID
}

// errSettled aborts a unit of work whose outcome is already recorded.
var errSettled = errors.New("payout: already settled")

// Scheduler owns payout work items: staging them inside escrow units of
// work, executing transfers and recording outcomes.
type Scheduler struct {
	machine *escrow.Machine
	gateway Gateway
	cfg     Config
	log     *logrus.Entry
}

func NewScheduler(m *escrow.Machine, gw Gateway, cfg Config) *Scheduler {
	return &Scheduler{
		machine: m,
		gateway: gw,
		cfg:     cfg.withDefaults(),
		log:     obs.Component("payout"),
	}
}

// Config returns the effective retry policy.
func (s *Scheduler) Config() Config { return s.cfg }

// Stage enqueues item inside u. Staging a key that is already scheduled or
// has succeeded is a no-op; cancelled, aborted or failed items are
// rescheduled from scratch.
func (s *Scheduler) Stage(ctx context.Context, u *escrow.Unit, item escrow.WorkItem) error {
	if item.Amount <= 0 {
		return fmt.Errorf("%w: payout amount must be positive", escrow.ErrValidation)
	}
	prev, err := u.Tx.GetWorkItem(ctx, item.Key)
	switch {
	case err == nil:
		if prev.Status == escrow.WorkScheduled || prev.Status == escrow.WorkSucceeded {
			return nil
		}
		item.CreatedAt = prev.CreatedAt
	case errors.Is(err, escrow.ErrNotFound):
		item.CreatedAt = u.Now
	default:
		return err
	}
	item.EscrowID = u.Escrow.ID
	item.Currency = u.Escrow.Currency
	item.TransferID = ids.Derive(item.Key)
	item.Status = escrow.WorkScheduled
	item.Attempts = 0
	item.LastError = ""
	if item.NotBefore.IsZero() || item.NotBefore.Before(u.Now) {
		item.NotBefore = u.Now
	}
	item.UpdatedAt = u.Now
	if err := u.Tx.PutWorkItem(ctx, item); err != nil {
		return err
	}
	u.Audit("payout.scheduled", map[string]string{
		"key":         item.Key,
		"kind":        string(item.Kind),
		"amount":      strconv.FormatInt(item.Amount, 10),
		"not_before":  item.NotBefore.Format(time.RFC3339),
		"transfer_id": item.TransferID,
	})
	return nil
}

// StageMilestone enqueues the payout of an approved milestone to the payee.
func (s *Scheduler) StageMilestone(ctx context.Context, u *escrow.Unit, ms escrow.Milestone, dueAt time.Time) error {
	return s.Stage(ctx, u, escrow.WorkItem{
		Key:         MilestoneKey(u.Escrow.ID, ms.ID),
		MilestoneID: ms.ID,
		Kind:        escrow.PayoutMilestone,
		Recipient:   u.Escrow.PayeeID,
		Amount:      ms.Amount,
		NotBefore:   dueAt,
	})
}

// CancelIn cancels the milestone's payout inside u when it is scheduled and
// not yet due. It reports whether an item was cancelled.
func (s *Scheduler) CancelIn(ctx context.Context, u *escrow.Unit, milestoneID, reason string) (bool, error) {
	item, err := u.Tx.GetWorkItem(ctx, MilestoneKey(u.Escrow.ID, milestoneID))
	if errors.Is(err, escrow.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if item.Status != escrow.WorkScheduled || item.Attempts > 0 || !item.NotBefore.After(u.Now) {
		return false, nil
	}
	item.Status = escrow.WorkCancelled
	item.LastError = reason
	item.UpdatedAt = u.Now
	if err := u.Tx.PutWorkItem(ctx, item); err != nil {
		return false, err
	}
	u.Audit("payout.cancelled", map[string]string{"key": item.Key, "reason": reason})
	return true, nil
}

// Schedule enqueues the payout of an approved, unpaid milestone on its own.
// Only the escrow's payer or an admin may schedule.
func (s *Scheduler) Schedule(ctx context.Context, escrowID, milestoneID string, dueAt time.Time, actor audit.Actor) error {
	if err := escrow.Allow(actor, "schedule payouts", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return err
	}
	_, err := s.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: escrowID,
		Action:   "payout.requested",
		Actor:    actor,
		Details:  map[string]string{escrow.MetaMilestoneID: milestoneID},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			if err := escrow.Owner(actor)(ctx, u); err != nil {
				return err
			}
			ms, err := u.Tx.GetMilestone(ctx, escrowID, milestoneID)
			if err != nil {
				return err
			}
			if ms.Status != escrow.MilestoneApproved {
				return fmt.Errorf("%w: milestone %s is %s, not approved", escrow.ErrValidation, ms.ID, ms.Status)
			}
			return s.StageMilestone(ctx, u, ms, dueAt)
		},
	})
	return err
}

// Cancel withdraws a scheduled payout before it falls due. The milestone is
// rejected so that it must be resubmitted. Only the escrow's payer or an
// admin may cancel.
func (s *Scheduler) Cancel(ctx context.Context, escrowID, milestoneID string, actor audit.Actor) error {
	if err := escrow.Allow(actor, "cancel payouts", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return err
	}
	_, err := s.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: escrowID,
		Action:   "milestone.payout_withdrawn",
		Actor:    actor,
		Details:  map[string]string{escrow.MetaMilestoneID: milestoneID},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			if err := escrow.Owner(actor)(ctx, u); err != nil {
				return err
			}
			ms, err := u.Tx.GetMilestone(ctx, escrowID, milestoneID)
			if err != nil {
				return err
			}
			ok, err := s.CancelIn(ctx, u, milestoneID, "cancelled by "+actor.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: payout for milestone %s is not cancellable", escrow.ErrValidation, milestoneID)
			}
			if ms.Status == escrow.MilestoneApproved {
				ms.Status = escrow.MilestoneRejected
				ms.ApprovedAt = nil
				return u.Tx.PutMilestone(ctx, ms)
			}
			return nil
		},
	})
	return err
}

// Abort stops an unfinished payout for good. Only admins may abort, and a
// payout confirmed by the rail can no longer be aborted.
func (s *Scheduler) Abort(ctx context.Context, key string, actor audit.Actor, reason string) error {
	if actor.Type != audit.ActorAdmin {
		return fmt.Errorf("%w: only admins may abort payouts", escrow.ErrValidation)
	}
	item, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: item.EscrowID,
		Action:   "payout.aborted",
		Actor:    actor,
		Details:  map[string]string{"key": key, "reason": reason},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetWorkItem(ctx, key)
			if err != nil {
				return err
			}
			if cur.Status != escrow.WorkScheduled && cur.Status != escrow.WorkFailed {
				return fmt.Errorf("%w: payout %s is %s", escrow.ErrValidation, key, cur.Status)
			}
			cur.Status = escrow.WorkAborted
			cur.LastError = reason
			cur.UpdatedAt = u.Now
			return u.Tx.PutWorkItem(ctx, cur)
		},
	})
	return err
}

// Get returns a work item by key.
func (s *Scheduler) Get(ctx context.Context, key string) (escrow.WorkItem, error) {
	return s.get(ctx, key)
}

// List returns every work item of an escrow.
func (s *Scheduler) List(ctx context.Context, escrowID string) ([]escrow.WorkItem, error) {
	var out []escrow.WorkItem
	err := s.machine.View(ctx, func(tx escrow.Tx) error {
		if _, err := tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		items, err := tx.ListWorkItems(ctx, escrowID)
		out = items
		return err
	})
	return out, err
}

func (s *Scheduler) get(ctx context.Context, key string) (escrow.WorkItem, error) {
	var item escrow.WorkItem
	err := s.machine.View(ctx, func(tx escrow.Tx) error {
		w, err := tx.GetWorkItem(ctx, key)
		item = w
		return err
	})
	return item, err
}

// Execute performs one transfer attempt for the item under key and records
// the outcome. Items that already reached a final status are returned
// untouched, so redelivery never moves funds twice.
func (s *Scheduler) Execute(ctx context.Context, key string) (escrow.WorkItem, error) {
	item, err := s.get(ctx, key)
	if err != nil {
		return escrow.WorkItem{}, err
	}
	if item.Status.Final() {
		return item, nil
	}
	if ok, err := s.eligible(ctx, item); err != nil {
		return item, err
	} else if !ok {
		return s.cancelIneligible(ctx, item)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	start := time.Now()
	terr := s.gateway.Transfer(callCtx, item.TransferID, item.Recipient, item.Amount, item.Currency)
	cancel()
	took := time.Since(start)

	if terr == nil {
		obs.ObservePayout(string(item.Kind), "succeeded", took)
		return s.recordSuccess(ctx, item)
	}
	if ctx.Err() != nil {
		// shutting down; the item stays due and is claimed again later
		return item, ctx.Err()
	}
	if errors.Is(Classify(terr), ErrPermanent) {
		obs.ObservePayout(string(item.Kind), "permanent", took)
		return s.recordFailure(ctx, item, terr, true)
	}
	obs.ObservePayout(string(item.Kind), "transient", took)
	return s.recordFailure(ctx, item, terr, false)
}

func (s *Scheduler) eligible(ctx context.Context, item escrow.WorkItem) (bool, error) {
	if item.Kind != escrow.PayoutMilestone {
		return true, nil
	}
	ok := false
	err := s.machine.View(ctx, func(tx escrow.Tx) error {
		ms, err := tx.GetMilestone(ctx, item.EscrowID, item.MilestoneID)
		if err != nil {
			return err
		}
		ok = ms.Status == escrow.MilestoneApproved
		return nil
	})
	return ok, err
}

func (s *Scheduler) cancelIneligible(ctx context.Context, item escrow.WorkItem) (escrow.WorkItem, error) {
	var out escrow.WorkItem
	_, err := s.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: item.EscrowID,
		Action:   "payout.cancelled",
		Actor:    audit.System,
		Details:  map[string]string{"key": item.Key, "reason": "milestone no longer approved"},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetWorkItem(ctx, item.Key)
			if err != nil {
				return err
			}
			if cur.Status.Final() {
				out = cur
				return errSettled
			}
			cur.Status = escrow.WorkCancelled
			cur.UpdatedAt = u.Now
			out = cur
			return u.Tx.PutWorkItem(ctx, cur)
		},
	})
	if errors.Is(err, errSettled) {
		return out, nil
	}
	return out, err
}

func (s *Scheduler) recordSuccess(ctx context.Context, item escrow.WorkItem) (escrow.WorkItem, error) {
	var out escrow.WorkItem
	details := map[string]string{
		"key":         item.Key,
		"kind":        string(item.Kind),
		"recipient":   item.Recipient,
		"amount":      strconv.FormatInt(item.Amount, 10),
		"transfer_id": item.TransferID,
	}
	if item.MilestoneID != "" {
		details[escrow.MetaMilestoneID] = item.MilestoneID
	}
	e, err := s.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: item.EscrowID,
		Action:   "payout.succeeded",
		Actor:    audit.System,
		Details:  details,
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetWorkItem(ctx, item.Key)
			if err != nil {
				return err
			}
			if cur.Status == escrow.WorkSucceeded {
				out = cur
				return errSettled
			}
			cur.Status = escrow.WorkSucceeded
			cur.Attempts++
			cur.LastError = ""
			cur.UpdatedAt = u.Now
			if err := u.Tx.PutWorkItem(ctx, cur); err != nil {
				return err
			}
			out = cur
			if cur.Kind != escrow.PayoutMilestone {
				return nil
			}
			ms, err := u.Tx.GetMilestone(ctx, cur.EscrowID, cur.MilestoneID)
			if err != nil {
				return err
			}
			if ms.Status == escrow.MilestonePaid {
				return nil
			}
			now := u.Now
			ms.Status = escrow.MilestonePaid
			ms.PaidAt = &now
			return u.Tx.PutMilestone(ctx, ms)
		},
	})
	if errors.Is(err, errSettled) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	s.log.WithFields(logrus.Fields{"key": item.Key, "escrow_id": item.EscrowID, "amount": item.Amount}).Info("payout succeeded")
	s.completeIfSettled(ctx, e.ID)
	return out, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, item escrow.WorkItem, cause error, permanent bool) (escrow.WorkItem, error) {
	var out escrow.WorkItem
	var action string
	_, err := s.machine.Record(ctx, escrow.RecordRequest{
		EscrowID: item.EscrowID,
		Action:   "payout.attempt_failed",
		Actor:    audit.System,
		Details: map[string]string{
			"key":       item.Key,
			"error":     cause.Error(),
			"permanent": strconv.FormatBool(permanent),
		},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			cur, err := u.Tx.GetWorkItem(ctx, item.Key)
			if err != nil {
				return err
			}
			if cur.Status.Final() {
				out = cur
				return errSettled
			}
			cur.Attempts++
			cur.LastError = cause.Error()
			cur.UpdatedAt = u.Now
			attempts := strconv.Itoa(cur.Attempts)
			switch {
			case permanent:
				cur.Status = escrow.WorkFailed
				action = "payout.failed"
				u.Audit(action, map[string]string{"key": cur.Key, "attempts": attempts, "reason": "rejected by payment rail", "attention": "admin"})
			case cur.Attempts >= s.cfg.MaxAttempts:
				cur.Status = escrow.WorkFailed
				action = "payout.failed"
				u.Audit(action, map[string]string{"key": cur.Key, "attempts": attempts, "reason": "retry budget exhausted", "attention": "admin"})
			default:
				cur.NotBefore = u.Now.Add(s.cfg.Backoff(cur.Attempts))
				action = "payout.retry_scheduled"
				u.Audit(action, map[string]string{"key": cur.Key, "attempts": attempts, "not_before": cur.NotBefore.Format(time.RFC3339)})
			}
			out = cur
			return u.Tx.PutWorkItem(ctx, cur)
		},
	})
	if errors.Is(err, errSettled) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	entry := s.log.WithFields(logrus.Fields{"key": item.Key, "escrow_id": item.EscrowID, "attempts": out.Attempts}).WithError(cause)
	if out.Status == escrow.WorkFailed {
		entry.Error(action)
		return out, fmt.Errorf("%w: %v", ErrPermanent, cause)
	}
	entry.Warn(action)
	return out, fmt.Errorf("%w: %v", ErrTransient, cause)
}

// completeIfSettled drives complete once every unit of the escrow has been
// paid, refunded or released.
func (s *Scheduler) completeIfSettled(ctx context.Context, escrowID string) {
	_, err := s.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: escrowID,
		Event:    escrow.EventComplete,
		Actor:    audit.System,
		Metadata: map[string]string{"reason": "funds settled"},
		Validate: func(ctx context.Context, u *escrow.Unit) error {
			if u.Escrow.State != escrow.StateInProgress && u.Escrow.State != escrow.StateMilestoneApproved {
				return errSettled
			}
			ms, err := u.Tx.ListMilestones(ctx, escrowID)
			if err != nil {
				return err
			}
			if !escrow.Tally(u.Escrow, ms).Settled() {
				return errSettled
			}
			return nil
		},
	})
	if err != nil && !errors.Is(err, errSettled) {
		s.log.WithError(err).WithField("escrow_id", escrowID).Warn("auto-complete failed")
	}
}
