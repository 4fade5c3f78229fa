// Package engine assembles the escrow state machine, milestone tracker,
// dispute handler and payout scheduler over one store, and carries the
// lifecycle operations (fund, start, cancel, refund, complete) that do not
// belong to milestones or disputes.
package engine

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"time"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/dispute"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/milestone"
	"escrowd.org/internal/payout"
)

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	Clock       func() time.Time
	MaxRetries  int
	Payout      payout.Config
	Worker      payout.WorkerConfig
	PayoutDelay time.Duration
	Notifier    escrow.Notifier
}

type Engine struct {
	store      escrow.Store
	machine    *escrow.Machine
	audit      *audit.Logger
	milestones *milestone.Tracker
	disputes   *dispute.Handler
	payouts    *payout.Scheduler
	worker     *payout.Worker
}

func New(store escrow.Store, gw payout.Gateway, opts Options) *Engine {
	var logOpts []audit.Option
	var machineOpts []escrow.Option
	if opts.Clock != nil {
		logOpts = append(logOpts, audit.WithClock(opts.Clock))
		machineOpts = append(machineOpts, escrow.WithClock(opts.Clock))
	}
	if opts.MaxRetries > 0 {
		machineOpts = append(machineOpts, escrow.WithMaxRetries(opts.MaxRetries))
	}
	if opts.Notifier != nil {
		machineOpts = append(machineOpts, escrow.WithNotifier(opts.Notifier))
	}
	log := audit.NewLogger(store, logOpts...)
	m := escrow.NewMachine(store, log, machineOpts...)
	sched := payout.NewScheduler(m, gw, opts.Payout)
	return &Engine{
		store:      store,
		machine:    m,
		audit:      log,
		milestones: milestone.NewTracker(m, sched, milestone.WithPayoutDelay(opts.PayoutDelay)),
		disputes:   dispute.NewHandler(m, sched),
		payouts:    sched,
		worker:     payout.NewWorker(sched, store, opts.Worker),
	}
}

func (e *Engine) Machine() *escrow.Machine { return e.machine }
func (e *Engine) Milestones() *milestone.Tracker { return e.milestones }
func (e *Engine) Disputes() *dispute.Handler { return e.disputes }
func (e *Engine) Payouts() *payout.Scheduler { return e.payouts }
func (e *Engine) Worker() *payout.Worker { return e.worker }

// CreateEscrow registers a new escrow in CREATED.
func (e *Engine) CreateEscrow(ctx context.Context, n escrow.NewEscrow, actor audit.Actor) (escrow.Escrow, error) {
	if err := escrow.Allow(actor, "create escrows", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return escrow.Escrow{}, err
	}
	if actor.Type == audit.ActorPayer && actor.ID != n.PayerID {
		return escrow.Escrow{}, fmt.Errorf("%w: payers create escrows for themselves", escrow.ErrValidation)
	}
	return e.machine.Create(ctx, n, actor)
}

func (e *Engine) Get(ctx context.Context, id string) (escrow.Escrow, error) {
	return e.machine.Get(ctx, id)
}

// Funds returns the escrow's money breakdown.
func (e *Engine) Funds(ctx context.Context, id string) (escrow.Funds, error) {
	var out escrow.Funds
	err := e.machine.View(ctx, func(tx escrow.Tx) error {
		es, err := tx.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		ms, err := tx.ListMilestones(ctx, id)
		if err != nil {
			return err
		}
		out = escrow.Tally(es, ms)
		return nil
	})
	return out, err
}

// AuditTrail returns the escrow's audit entries in sequence order. The
// sequence may be ranged any number of times.
func (e *Engine) AuditTrail(ctx context.Context, id string) iter.Seq2[audit.Entry, error] {
	return e.audit.Query(ctx, id)
}

// AuditPage returns up to limit audit entries with a sequence above afterSeq.
func (e *Engine) AuditPage(ctx context.Context, id string, afterSeq uint64, limit int) ([]audit.Entry, error) {
	if _, err := e.machine.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, id, afterSeq, limit)
}

// Fund records that the payer's deposit has been received.
func (e *Engine) Fund(ctx context.Context, id, reference string, actor audit.Actor) (escrow.Escrow, error) {
	if err := escrow.Allow(actor, "fund", audit.ActorPayer, audit.ActorAdmin, audit.ActorSystem); err != nil {
		return escrow.Escrow{}, err
	}
	meta := map[string]string{}
	if reference != "" {
		meta["reference"] = reference
	}
	return e.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: id,
		Event:    escrow.EventFund,
		Actor:    actor,
		Metadata: meta,
		Validate: escrow.Owner(actor),
	})
}

// StartWork moves a funded escrow into IN_PROGRESS.
func (e *Engine) StartWork(ctx context.Context, id string, actor audit.Actor) (escrow.Escrow, error) {
	if err := escrow.Allow(actor, "start work", audit.ActorPayer, audit.ActorPayee, audit.ActorAdmin); err != nil {
		return escrow.Escrow{}, err
	}
	return e.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: id,
		Event:    escrow.EventStartWork,
		Actor:    actor,
		Validate: escrow.Owner(actor),
	})
}

// Cancel abandons an escrow before work starts. Funds already deposited are
// refunded to the payer.
func (e *Engine) Cancel(ctx context.Context, id, reason string, actor audit.Actor) (escrow.Escrow, error) {
	if err := escrow.Allow(actor, "cancel", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return escrow.Escrow{}, err
	}
	return e.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: id,
		Event:    escrow.EventCancel,
		Actor:    actor,
		Metadata: reasonMeta(reason),
		Validate: escrow.Owner(actor),
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			if u.From == escrow.StateCreated {
				return nil
			}
			return e.returnToPayer(ctx, u, "cancel")
		},
	})
}

// Refund returns the unspent balance of a funded escrow to the payer.
// Disputed escrows are refunded through dispute resolution.
func (e *Engine) Refund(ctx context.Context, id, reason string, actor audit.Actor) (escrow.Escrow, error) {
	if err := escrow.Allow(actor, "refund", audit.ActorPayee, audit.ActorAdmin); err != nil {
		return escrow.Escrow{}, err
	}
	return e.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: id,
		Event:    escrow.EventRefund,
		Actor:    actor,
		Metadata: reasonMeta(reason),
		Validate: func(ctx context.Context, u *escrow.Unit) error {
			if err := escrow.Owner(actor)(ctx, u); err != nil {
				return err
			}
			return noOpenDispute(ctx, u)
		},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			return e.returnToPayer(ctx, u, "refund")
		},
	})
}

// Complete closes the escrow early: the unspent balance is released to the
// payee and milestones that were never approved are rejected. Approved
// milestones are still paid by their own work items.
func (e *Engine) Complete(ctx context.Context, id string, actor audit.Actor) (escrow.Escrow, error) {
	if err := escrow.Allow(actor, "complete", audit.ActorPayer, audit.ActorAdmin); err != nil {
		return escrow.Escrow{}, err
	}
	return e.machine.Transition(ctx, escrow.TransitionRequest{
		EscrowID: id,
		Event:    escrow.EventComplete,
		Actor:    actor,
		Validate: func(ctx context.Context, u *escrow.Unit) error {
			if err := escrow.Owner(actor)(ctx, u); err != nil {
				return err
			}
			return noOpenDispute(ctx, u)
		},
		Apply: func(ctx context.Context, u *escrow.Unit) error {
			f, err := e.closeOut(ctx, u)
			if err != nil {
				return err
			}
			if f.Remaining == 0 {
				return nil
			}
			u.Escrow.Released += f.Remaining
			return e.payouts.Stage(ctx, u, escrow.WorkItem{
				Key:       payout.SettlementKey(u.Escrow.ID, escrow.PayoutRelease, "complete"),
				Kind:      escrow.PayoutRelease,
				Recipient: u.Escrow.PayeeID,
				Amount:    f.Remaining,
			})
		},
	})
}

func (e *Engine) returnToPayer(ctx context.Context, u *escrow.Unit, suffix string) error {
	f, err := e.closeOut(ctx, u)
	if err != nil {
		return err
	}
	if f.Remaining == 0 {
		return nil
	}
	u.Escrow.Refunded += f.Remaining
	return e.payouts.Stage(ctx, u, escrow.WorkItem{
		Key:       payout.SettlementKey(u.Escrow.ID, escrow.PayoutRefund, suffix),
		Kind:      escrow.PayoutRefund,
		Recipient: u.Escrow.PayerID,
		Amount:    f.Remaining,
	})
}

// closeOut rejects every milestone that was not approved and returns the
// funds left over once they are gone.
func (e *Engine) closeOut(ctx context.Context, u *escrow.Unit) (escrow.Funds, error) {
	ms, err := u.Tx.ListMilestones(ctx, u.Escrow.ID)
	if err != nil {
		return escrow.Funds{}, err
	}
	for i, m := range ms {
		if m.Status != escrow.MilestonePending && m.Status != escrow.MilestoneSubmitted {
			continue
		}
		m.Status = escrow.MilestoneRejected
		if err := u.Tx.PutMilestone(ctx, m); err != nil {
			return escrow.Funds{}, err
		}
		ms[i] = m
		u.Audit("milestone.rejected", map[string]string{
			escrow.MetaMilestoneID: m.ID,
			"reason":               "escrow " + string(u.To),
			"amount":               strconv.FormatInt(m.Amount, 10),
		})
	}
	return escrow.Tally(u.Escrow, ms), nil
}

func noOpenDispute(ctx context.Context, u *escrow.Unit) error {
	ds, err := u.Tx.ListDisputes(ctx, u.Escrow.ID)
	if err != nil {
		return err
	}
	for _, d := range ds {
		if !d.Status.Terminal() {
			return fmt.Errorf("%w: dispute %s must be resolved first", escrow.ErrValidation, d.ID)
		}
	}
	return nil
}

func reasonMeta(reason string) map[string]string {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}
