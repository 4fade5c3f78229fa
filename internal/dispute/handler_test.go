package dispute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/milestone"
	"escrowd.org/internal/payout"
)

var (
	payer = audit.Actor{ID: "payer-1", Type: audit.ActorPayer}
	payee = audit.Actor{ID: "payee-1", Type: audit.ActorPayee}
	admin = audit.Actor{ID: "ops-1", Type: audit.ActorAdmin}
)

type env struct {
	machine *escrow.Machine
	gw      *payout.FakeGateway
	sched   *payout.Scheduler
	tracker *milestone.Tracker
	handler *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := escrow.NewInMemory()
	m := escrow.NewMachine(st, audit.NewLogger(st))
	gw := payout.NewFakeGateway()
	sched := payout.NewScheduler(m, gw, payout.Config{})
	return &env{
		machine: m,
		gw:      gw,
		sched:   sched,
		tracker: milestone.NewTracker(m, sched),
		handler: NewHandler(m, sched),
	}
}

func (e *env) inProgress(t *testing.T, amount int64) escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	es, err := e.machine.Create(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: amount, Currency: "KZT"}, payer)
	require.NoError(t, err)
	for _, ev := range []escrow.Event{escrow.EventFund, escrow.EventStartWork} {
		es, err = e.machine.Transition(ctx, escrow.TransitionRequest{EscrowID: es.ID, Event: ev, Actor: payer})
		require.NoError(t, err)
	}
	return es
}

// milestone creates, submits and optionally approves and pays a milestone.
func (e *env) milestone(t *testing.T, escrowID string, amount int64, approve, pay bool) escrow.Milestone {
	t.Helper()
	ctx := context.Background()
	m, err := e.tracker.CreateMilestone(ctx, escrowID, milestone.NewMilestone{Title: "work", Amount: amount}, payer)
	require.NoError(t, err)
	m, err = e.tracker.SubmitMilestone(ctx, escrowID, m.ID, nil, payee)
	require.NoError(t, err)
	if !approve {
		return m
	}
	m, err = e.tracker.ApproveMilestone(ctx, escrowID, m.ID, payer)
	require.NoError(t, err)
	if pay {
		_, err = e.sched.Execute(ctx, payout.MilestoneKey(escrowID, m.ID))
		require.NoError(t, err)
	}
	return m
}

func (e *env) review(t *testing.T, escrowID string, by escrow.DisputeParty) escrow.Dispute {
	t.Helper()
	ctx := context.Background()
	actor := payer
	if by == escrow.PartyPayee {
		actor = payee
	}
	d, err := e.handler.RaiseDispute(ctx, escrowID, by, "work not delivered", []string{"chat-log"}, actor)
	require.NoError(t, err)
	d, err = e.handler.ReviewDispute(ctx, d.ID, admin)
	require.NoError(t, err)
	require.Equal(t, escrow.DisputeUnderReview, d.Status)
	return d
}

func (e *env) runPayouts(t *testing.T, escrowID string) {
	t.Helper()
	items, err := e.sched.List(context.Background(), escrowID)
	require.NoError(t, err)
	for _, it := range items {
		_, err := e.sched.Execute(context.Background(), it.Key)
		require.NoError(t, err)
	}
}

func (e *env) get(t *testing.T, id string) escrow.Escrow {
	t.Helper()
	got, err := e.machine.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (e *env) requireConsistent(t *testing.T, id string) {
	t.Helper()
	got := e.get(t, id)
	ms, err := e.tracker.List(context.Background(), id)
	require.NoError(t, err)
	f := escrow.Tally(got, ms)
	require.LessOrEqual(t, f.Allocated, got.Allocatable())

	var steps []escrow.Step
	for entry, err := range e.machine.Audit().Query(context.Background(), id) {
		require.NoError(t, err)
		if entry.FromState != "" {
			steps = append(steps, escrow.Step{From: escrow.State(entry.FromState), To: escrow.State(entry.ToState)})
		}
	}
	require.NoError(t, escrow.ValidWalk(steps))
}

func TestScenarioPartialRefundSplitsRemainder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 100_000)
	e.milestone(t, es.ID, 60_000, true, true)
	open := e.milestone(t, es.ID, 40_000, false, false)
	require.Equal(t, escrow.StateMilestonePending, e.get(t, es.ID).State)

	d := e.review(t, es.ID, escrow.PartyPayer)
	require.Equal(t, escrow.StateDisputed, e.get(t, es.ID).State)

	d, err := e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionPartialRefund, map[string]string{"note": "half done"}, 20_000, admin)
	require.NoError(t, err)
	require.Equal(t, escrow.DisputeResolved, d.Status)
	require.Equal(t, escrow.ResolutionPartialRefund, d.Resolution)
	require.NotNil(t, d.RefundAmount)
	require.EqualValues(t, 20_000, *d.RefundAmount)
	require.NotNil(t, d.ResolvedAt)

	got := e.get(t, es.ID)
	require.Equal(t, escrow.StateCompleted, got.State)
	require.EqualValues(t, 20_000, got.Refunded)
	require.EqualValues(t, 20_000, got.Released)

	var closing []audit.Entry
	for entry, err := range e.machine.Audit().Query(ctx, es.ID) {
		require.NoError(t, err)
		if entry.FromState == string(escrow.StateDisputed) {
			closing = append(closing, entry)
		}
	}
	require.Len(t, closing, 1)
	require.Equal(t, string(escrow.StateCompleted), closing[0].ToState)
	require.Equal(t, string(escrow.ResolutionPartialRefund), closing[0].Details["resolution"])
	require.Equal(t, "20000", closing[0].Details["refund"])
	require.Equal(t, "20000", closing[0].Details["release"])

	m, err := e.tracker.Get(ctx, es.ID, open.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRejected, m.Status)

	e.runPayouts(t, es.ID)
	require.EqualValues(t, 20_000, e.gw.TotalTo("payer-1"))
	require.EqualValues(t, 80_000, e.gw.TotalTo("payee-1"))
	e.requireConsistent(t, es.ID)
}

func TestPayerFavorRefundsRemaining(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)
	e.milestone(t, es.ID, 300, true, true)
	// approved but unpaid: still owed to the payee
	owed := e.milestone(t, es.ID, 200, true, false)
	e.milestone(t, es.ID, 100, false, false)

	d := e.review(t, es.ID, escrow.PartyPayer)
	_, err := e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionPayerFavor, nil, 0, admin)
	require.NoError(t, err)

	got := e.get(t, es.ID)
	require.Equal(t, escrow.StateRefunded, got.State)
	require.EqualValues(t, 500, got.Refunded)

	e.runPayouts(t, es.ID)
	require.EqualValues(t, 500, e.gw.TotalTo("payer-1"))
	require.EqualValues(t, 500, e.gw.TotalTo("payee-1"))

	m, err := e.tracker.Get(ctx, es.ID, owed.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestonePaid, m.Status)
	e.requireConsistent(t, es.ID)
}

func TestPayeeFavorReleasesRemaining(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)
	e.milestone(t, es.ID, 250, false, false)

	d := e.review(t, es.ID, escrow.PartyPayee)
	_, err := e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionPayeeFavor, nil, 0, admin)
	require.NoError(t, err)

	got := e.get(t, es.ID)
	require.Equal(t, escrow.StateCompleted, got.State)
	require.EqualValues(t, 1000, got.Released)

	e.runPayouts(t, es.ID)
	require.EqualValues(t, 1000, e.gw.TotalTo("payee-1"))
	require.Zero(t, e.gw.TotalTo("payer-1"))
	e.requireConsistent(t, es.ID)
}

func TestMediationReturnsToWork(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)
	sub := e.milestone(t, es.ID, 400, false, false)

	d := e.review(t, es.ID, escrow.PartyPayee)
	d, err := e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionMediation, map[string]string{"mediator": "m-7"}, 0, admin)
	require.NoError(t, err)
	require.Nil(t, d.RefundAmount)

	got := e.get(t, es.ID)
	require.Equal(t, escrow.StateInProgress, got.State)
	require.Zero(t, got.Refunded)
	require.Zero(t, got.Released)

	m, err := e.tracker.Get(ctx, es.ID, sub.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRejected, m.Status)

	_, err = e.tracker.SubmitMilestone(ctx, es.ID, sub.ID, []string{"v2"}, payee)
	require.NoError(t, err)
	require.Empty(t, e.gw.Transfers())
	e.requireConsistent(t, es.ID)
}

func TestPartialRefundBounds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)
	e.milestone(t, es.ID, 600, true, true)
	e.milestone(t, es.ID, 100, false, false)
	d := e.review(t, es.ID, escrow.PartyPayer)

	for _, amt := range []int64{0, -5, 401} {
		_, err := e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionPartialRefund, nil, amt, admin)
		require.ErrorIs(t, err, escrow.ErrValidation, "refund %d", amt)
	}
	_, err := e.handler.ResolveDispute(ctx, d.ID, escrow.Resolution("coin_flip"), nil, 0, admin)
	require.ErrorIs(t, err, escrow.ErrValidation)
	require.Equal(t, escrow.StateDisputed, e.get(t, es.ID).State)

	_, err = e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionPartialRefund, nil, 400, admin)
	require.NoError(t, err)
	got := e.get(t, es.ID)
	require.EqualValues(t, 400, got.Refunded)
	require.Zero(t, got.Released)
}

func TestOnlyOneOpenDispute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)

	d, err := e.handler.RaiseDispute(ctx, es.ID, escrow.PartyPayer, "late", nil, payer)
	require.NoError(t, err)
	_, err = e.handler.RaiseDispute(ctx, es.ID, escrow.PartyPayee, "unpaid", nil, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.handler.CloseDispute(ctx, d.ID, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)
	closed, err := e.handler.CloseDispute(ctx, d.ID, payer)
	require.NoError(t, err)
	require.Equal(t, escrow.DisputeClosed, closed.Status)
	require.Equal(t, escrow.StateInProgress, e.get(t, es.ID).State)

	_, err = e.handler.CloseDispute(ctx, d.ID, admin)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.handler.RaiseDispute(ctx, es.ID, escrow.PartyPayee, "unpaid", nil, payee)
	require.NoError(t, err)
	ds, err := e.handler.ListByEscrow(ctx, es.ID)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	e.requireConsistent(t, es.ID)
}

func TestRaiseDisputeRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)

	_, err := e.handler.RaiseDispute(ctx, es.ID, escrow.DisputeParty("bank"), "x", nil, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.handler.RaiseDispute(ctx, es.ID, escrow.PartyPayer, "  ", nil, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.handler.RaiseDispute(ctx, "missing", escrow.PartyPayer, "x", nil, payer)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	_, err = e.machine.Transition(ctx, escrow.TransitionRequest{EscrowID: es.ID, Event: escrow.EventComplete, Actor: payer})
	require.NoError(t, err)
	_, err = e.handler.RaiseDispute(ctx, es.ID, escrow.PartyPayer, "too late", nil, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)

	funded, err := e.machine.Create(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: 10, Currency: "KZT"}, payer)
	require.NoError(t, err)
	_, err = e.handler.RaiseDispute(ctx, funded.ID, escrow.PartyPayer, "x", nil, payer)
	require.ErrorIs(t, err, escrow.ErrInvalidTransition)
}

func TestReviewAndResolveRequireOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	es := e.inProgress(t, 1000)
	d, err := e.handler.RaiseDispute(ctx, es.ID, escrow.PartyPayer, "late", nil, payer)
	require.NoError(t, err)

	_, err = e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionMediation, nil, 0, admin)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.handler.ReviewDispute(ctx, d.ID, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.handler.ReviewDispute(ctx, d.ID, admin)
	require.NoError(t, err)
	_, err = e.handler.ReviewDispute(ctx, d.ID, admin)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionMediation, nil, 0, admin)
	require.NoError(t, err)
	_, err = e.handler.ResolveDispute(ctx, d.ID, escrow.ResolutionMediation, nil, 0, admin)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.handler.Get(ctx, "missing")
	require.ErrorIs(t, err, escrow.ErrNotFound)
}
