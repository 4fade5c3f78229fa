package milestone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/payout"
)

var (
	payer = audit.Actor{ID: "payer-1", Type: audit.ActorPayer}
	payee = audit.Actor{ID: "payee-1", Type: audit.ActorPayee}
)

type env struct {
	machine *escrow.Machine
	store   *escrow.InMemory
	gw      *payout.FakeGateway
	sched   *payout.Scheduler
	tracker *Tracker
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	st := escrow.NewInMemory()
	m := escrow.NewMachine(st, audit.NewLogger(st))
	gw := payout.NewFakeGateway()
	sched := payout.NewScheduler(m, gw, payout.Config{})
	return &env{machine: m, store: st, gw: gw, sched: sched, tracker: NewTracker(m, sched, opts...)}
}

func (e *env) escrow(t *testing.T, amount int64, events ...escrow.Event) escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	es, err := e.machine.Create(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: amount, Currency: "KZT"}, payer)
	require.NoError(t, err)
	for _, ev := range events {
		es, err = e.machine.Transition(ctx, escrow.TransitionRequest{EscrowID: es.ID, Event: ev, Actor: payer})
		require.NoError(t, err)
	}
	return es
}

func (e *env) state(t *testing.T, id string) escrow.State {
	t.Helper()
	got, err := e.machine.Get(context.Background(), id)
	require.NoError(t, err)
	return got.State
}

// requireSumInvariant checks that non-rejected milestones fit the escrow.
func (e *env) requireSumInvariant(t *testing.T, id string) {
	t.Helper()
	got, err := e.machine.Get(context.Background(), id)
	require.NoError(t, err)
	ms, err := e.tracker.List(context.Background(), id)
	require.NoError(t, err)
	f := escrow.Tally(got, ms)
	require.LessOrEqual(t, f.Allocated, got.Allocatable())
	require.LessOrEqual(t, f.Allocated, got.Amount)
}

func (e *env) requireValidWalk(t *testing.T, id string) []escrow.Step {
	t.Helper()
	var steps []escrow.Step
	for entry, err := range e.machine.Audit().Query(context.Background(), id) {
		require.NoError(t, err)
		if entry.FromState != "" {
			steps = append(steps, escrow.Step{From: escrow.State(entry.FromState), To: escrow.State(entry.ToState)})
		}
	}
	require.NoError(t, escrow.ValidWalk(steps))
	return steps
}

func TestScenarioAllMilestonesPaidCompletesEscrow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 100_000, escrow.EventFund)

	var ids []string
	for _, amt := range []int64{30_000, 40_000, 30_000} {
		m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "phase", Amount: amt}, payer)
		require.NoError(t, err)
		ids = append(ids, m.ID)
		e.requireSumInvariant(t, es.ID)
	}
	_, err := e.machine.Transition(ctx, escrow.TransitionRequest{EscrowID: es.ID, Event: escrow.EventStartWork, Actor: payee})
	require.NoError(t, err)

	for i, id := range ids {
		_, err := e.tracker.SubmitMilestone(ctx, es.ID, id, []string{"s3://evidence/" + id}, payee)
		require.NoError(t, err)
		require.Equal(t, escrow.StateMilestonePending, e.state(t, es.ID))

		m, err := e.tracker.ApproveMilestone(ctx, es.ID, id, payer)
		require.NoError(t, err)
		require.Equal(t, escrow.MilestoneApproved, m.Status)
		require.Equal(t, escrow.StateMilestoneApproved, e.state(t, es.ID))

		_, err = e.sched.Execute(ctx, payout.MilestoneKey(es.ID, id))
		require.NoError(t, err)
		e.requireSumInvariant(t, es.ID)
		if i < len(ids)-1 {
			require.Equal(t, escrow.StateMilestoneApproved, e.state(t, es.ID))
		}
	}

	require.Equal(t, escrow.StateCompleted, e.state(t, es.ID))
	require.EqualValues(t, 100_000, e.gw.TotalTo("payee-1"))
	require.Len(t, e.gw.Transfers(), 3)

	steps := e.requireValidWalk(t, es.ID)
	want := []escrow.State{
		escrow.StateFunded, escrow.StateInProgress,
		escrow.StateMilestonePending, escrow.StateMilestoneApproved,
		escrow.StateMilestonePending, escrow.StateMilestoneApproved,
		escrow.StateMilestonePending, escrow.StateMilestoneApproved,
		escrow.StateCompleted,
	}
	require.Len(t, steps, len(want))
	for i, s := range steps {
		require.Equal(t, want[i], s.To)
	}
}

func TestScenarioMilestonesCannotExceedTotal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 100_000, escrow.EventFund, escrow.EventStartWork)

	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "big", Amount: 60_000}, payer)
	require.NoError(t, err)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)
	_, err = e.tracker.ApproveMilestone(ctx, es.ID, m.ID, payer)
	require.NoError(t, err)

	_, err = e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "more", Amount: 50_000}, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)

	ms, err := e.tracker.List(ctx, es.ID)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	e.requireSumInvariant(t, es.ID)
}

func TestScenarioApprovingUnsubmittedMilestoneIsValidationError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 100_000, escrow.EventFund, escrow.EventStartWork)

	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "draft", Amount: 10_000}, payer)
	require.NoError(t, err)

	_, err = e.tracker.ApproveMilestone(ctx, es.ID, m.ID, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	require.NotErrorIs(t, err, escrow.ErrInvalidTransition)
	require.Equal(t, escrow.StateInProgress, e.state(t, es.ID))
}

func TestCreateMilestoneRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created := e.escrow(t, 1000)
	_, err := e.tracker.CreateMilestone(ctx, created.ID, NewMilestone{Title: "x", Amount: 10}, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)

	es := e.escrow(t, 1000, escrow.EventFund)
	_, err = e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: " ", Amount: 10}, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "x", Amount: 0}, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.tracker.CreateMilestone(ctx, "missing", NewMilestone{Title: "x", Amount: 10}, payer)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	m1, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 600}, payer)
	require.NoError(t, err)
	m2, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "b", Amount: 400}, payer)
	require.NoError(t, err)
	require.Equal(t, 1, m1.Seq)
	require.Equal(t, 2, m2.Seq)

	_, err = e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "c", Amount: 1}, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
}

func TestRejectAndResubmit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 1000, escrow.EventFund, escrow.EventStartWork)

	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 700}, payer)
	require.NoError(t, err)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, []string{"doc-1", " "}, payee)
	require.NoError(t, err)

	_, err = e.tracker.RejectMilestone(ctx, es.ID, m.ID, "", payer)
	require.ErrorIs(t, err, escrow.ErrValidation)

	got, err := e.tracker.RejectMilestone(ctx, es.ID, m.ID, "missing invoice", payer)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRejected, got.Status)
	require.Equal(t, escrow.StateInProgress, e.state(t, es.ID))

	trail, err := e.machine.Audit().Collect(ctx, es.ID)
	require.NoError(t, err)
	require.Equal(t, "missing invoice", trail[len(trail)-1].Details["reason"])

	// the rejected amount is free again, so a competing milestone fits
	other, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "b", Amount: 400}, payer)
	require.NoError(t, err)

	// resubmitting would now overflow 1000
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, []string{"doc-2"}, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.tracker.SubmitMilestone(ctx, es.ID, other.ID, nil, payee)
	require.NoError(t, err)
	_, err = e.tracker.RejectMilestone(ctx, es.ID, other.ID, "wrong scope", payer)
	require.NoError(t, err)

	got, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, []string{"doc-2"}, payee)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneSubmitted, got.Status)
	require.Equal(t, []string{"doc-2"}, got.Evidence)
	e.requireSumInvariant(t, es.ID)
	e.requireValidWalk(t, es.ID)
}

func TestSubmitRequiresPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 1000, escrow.EventFund, escrow.EventStartWork)
	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 100}, payer)
	require.NoError(t, err)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)

	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, "unknown", nil, payee)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestConcurrentApprovalsPayOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 1000, escrow.EventFund, escrow.EventStartWork)
	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 500}, payer)
	require.NoError(t, err)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		successes int
		failures  []error
	)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := e.tracker.ApproveMilestone(ctx, es.ID, m.ID, payer)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				failures = append(failures, err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, successes)
	require.Len(t, failures, 1)
	require.True(t,
		errors.Is(failures[0], escrow.ErrConcurrencyConflict) || errors.Is(failures[0], escrow.ErrValidation),
		"unexpected error: %v", failures[0])

	items, err := e.sched.List(ctx, es.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var run errgroup.Group
	for i := 0; i < 2; i++ {
		run.Go(func() error {
			_, err := e.sched.Execute(ctx, payout.MilestoneKey(es.ID, m.ID))
			return err
		})
	}
	require.NoError(t, run.Wait())
	require.Len(t, e.gw.Transfers(), 1)
}

func TestPayoutDelayAllowsCancellation(t *testing.T) {
	e := newEnv(t, WithPayoutDelay(time.Hour))
	ctx := context.Background()
	es := e.escrow(t, 1000, escrow.EventFund, escrow.EventStartWork)
	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 500}, payer)
	require.NoError(t, err)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)
	_, err = e.tracker.ApproveMilestone(ctx, es.ID, m.ID, payer)
	require.NoError(t, err)

	due, err := e.store.ClaimDue(ctx, time.Now().UTC(), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, due)

	admin := audit.Actor{ID: "ops", Type: audit.ActorAdmin}
	require.NoError(t, e.sched.Cancel(ctx, es.ID, m.ID, admin))
	got, err := e.tracker.Get(ctx, es.ID, m.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRejected, got.Status)
	require.Empty(t, e.gw.Transfers())
}

func TestMilestoneActorChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.escrow(t, 1000, escrow.EventFund, escrow.EventStartWork)
	strangerPayer := audit.Actor{ID: "payer-2", Type: audit.ActorPayer}
	strangerPayee := audit.Actor{ID: "payee-2", Type: audit.ActorPayee}

	_, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 1000}, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 1000}, strangerPayer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	m, err := e.tracker.CreateMilestone(ctx, es.ID, NewMilestone{Title: "a", Amount: 1000}, payer)
	require.NoError(t, err)

	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, strangerPayee)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.tracker.SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)

	for _, a := range []audit.Actor{payee, strangerPayer, audit.System} {
		_, err = e.tracker.ApproveMilestone(ctx, es.ID, m.ID, a)
		require.ErrorIs(t, err, escrow.ErrValidation, a.ID)
		_, err = e.tracker.RejectMilestone(ctx, es.ID, m.ID, "no", a)
		require.ErrorIs(t, err, escrow.ErrValidation, a.ID)
	}
	require.Equal(t, escrow.StateMilestonePending, e.state(t, es.ID))
	items, err := e.sched.List(ctx, es.ID)
	require.NoError(t, err)
	require.Empty(t, items)

	admin := audit.Actor{ID: "ops", Type: audit.ActorAdmin}
	got, err := e.tracker.ApproveMilestone(ctx, es.ID, m.ID, admin)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneApproved, got.Status)
}
