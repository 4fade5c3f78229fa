package engine

import (
	"context"
	"sync"
	"testing"
	"time"

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

type changes struct {
	mu   sync.Mutex
	seen []escrow.Change
}

func (c *changes) EscrowChanged(_ context.Context, ch escrow.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ch)
}

func (c *changes) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ch := range c.seen {
		out = append(out, ch.Action)
	}
	return out
}

func newEngine(t *testing.T) (*Engine, *payout.FakeGateway, *changes) {
	t.Helper()
	gw := payout.NewFakeGateway()
	seen := &changes{}
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := New(escrow.NewInMemory(), gw, Options{
		Clock:    func() time.Time { return clock },
		Notifier: seen,
	})
	return e, gw, seen
}

func funded(t *testing.T, e *Engine, amount int64) escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	es, err := e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: amount, Currency: "KZT"}, payer)
	require.NoError(t, err)
	es, err = e.Fund(ctx, es.ID, "dep-1", payer)
	require.NoError(t, err)
	return es
}

func TestScenarioAThroughWorker(t *testing.T) {
	e, gw, seen := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 1000)
	_, err := e.StartWork(ctx, es.ID, payee)
	require.NoError(t, err)

	var ids []string
	for _, amt := range []int64{400, 600} {
		m, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "part", Amount: amt}, payer)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	for _, id := range ids {
		_, err = e.Milestones().SubmitMilestone(ctx, es.ID, id, []string{"https://evidence"}, payee)
		require.NoError(t, err)
		_, err = e.Milestones().ApproveMilestone(ctx, es.ID, id, payer)
		require.NoError(t, err)
	}

	n, err := e.Worker().RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 1000, gw.TotalTo("payee-1"))

	got, err := e.Get(ctx, es.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCompleted, got.State)

	f, err := e.Funds(ctx, es.ID)
	require.NoError(t, err)
	require.True(t, f.Settled())
	require.EqualValues(t, 1000, f.Paid)

	var steps []escrow.Step
	var last uint64
	for entry, err := range e.AuditTrail(ctx, es.ID) {
		require.NoError(t, err)
		require.Greater(t, entry.Seq, last)
		last = entry.Seq
		if entry.ToState != "" {
			steps = append(steps, escrow.Step{From: escrow.State(entry.FromState), To: escrow.State(entry.ToState)})
		}
	}
	require.NoError(t, escrow.ValidWalk(steps))
	require.Contains(t, seen.actions(), "escrow.complete")
}

func TestCancelFundedRefundsPayer(t *testing.T) {
	e, gw, _ := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 500)
	m, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "design", Amount: 200}, payer)
	require.NoError(t, err)

	got, err := e.Cancel(ctx, es.ID, "changed plans", payer)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCancelled, got.State)
	require.EqualValues(t, 500, got.Refunded)

	ms, err := e.Milestones().Get(ctx, es.ID, m.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRejected, ms.Status)

	_, err = e.Worker().RunDue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 500, gw.TotalTo("payer-1"))

	items, err := e.Payouts().List(ctx, es.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, payout.SettlementKey(es.ID, escrow.PayoutRefund, "cancel"), items[0].Key)
	require.Equal(t, escrow.WorkSucceeded, items[0].Status)
}

func TestCancelBeforeFundingMovesNothing(t *testing.T) {
	e, gw, _ := newEngine(t)
	ctx := context.Background()
	es, err := e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: 100, Currency: "KZT"}, payer)
	require.NoError(t, err)
	got, err := e.Cancel(ctx, es.ID, "", admin)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCancelled, got.State)
	require.Zero(t, got.Refunded)

	items, err := e.Payouts().List(ctx, es.ID)
	require.NoError(t, err)
	require.Empty(t, items)
	require.Zero(t, gw.Calls())
}

func TestCompleteReleasesRemainder(t *testing.T) {
	e, gw, _ := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 1000)
	_, err := e.StartWork(ctx, es.ID, payer)
	require.NoError(t, err)
	m, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "first", Amount: 300}, payer)
	require.NoError(t, err)
	_, err = e.Milestones().SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)
	_, err = e.Milestones().ApproveMilestone(ctx, es.ID, m.ID, payer)
	require.NoError(t, err)
	open, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "second", Amount: 200}, payer)
	require.NoError(t, err)

	got, err := e.Complete(ctx, es.ID, payer)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCompleted, got.State)
	require.EqualValues(t, 700, got.Released)

	left, err := e.Milestones().Get(ctx, es.ID, open.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRejected, left.Status)

	n, err := e.Worker().RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 1000, gw.TotalTo("payee-1"))

	f, err := e.Funds(ctx, es.ID)
	require.NoError(t, err)
	require.True(t, f.Settled())
}

func TestRefundWaitsForDispute(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 100)
	_, err := e.StartWork(ctx, es.ID, payer)
	require.NoError(t, err)
	_, err = e.Disputes().RaiseDispute(ctx, es.ID, escrow.PartyPayer, "no show", nil, payer)
	require.NoError(t, err)

	_, err = e.Refund(ctx, es.ID, "", admin)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.Complete(ctx, es.ID, admin)
	require.ErrorIs(t, err, escrow.ErrValidation)

	got, err := e.Get(ctx, es.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateDisputed, got.State)
}

func TestRefundFromFunded(t *testing.T) {
	e, gw, _ := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 250)
	got, err := e.Refund(ctx, es.ID, "seller declined", payee)
	require.NoError(t, err)
	require.Equal(t, escrow.StateRefunded, got.State)

	_, err = e.Worker().RunDue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 250, gw.TotalTo("payer-1"))
}

func TestActorChecks(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: "someone-else", PayeeID: "payee-1", Amount: 10, Currency: "KZT"}, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: 10, Currency: "KZT"}, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)

	es, err := e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: 10, Currency: "KZT"}, payer)
	require.NoError(t, err)
	_, err = e.Fund(ctx, es.ID, "", audit.Actor{ID: "payer-2", Type: audit.ActorPayer})
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.Fund(ctx, es.ID, "", payee)
	require.ErrorIs(t, err, escrow.ErrValidation)

	_, err = e.StartWork(ctx, es.ID, payee)
	require.ErrorIs(t, err, escrow.ErrInvalidTransition)

	got, err := e.Get(ctx, es.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCreated, got.State)
	require.EqualValues(t, 1, got.Version)
}

func TestPayeeCannotApproveOwnMilestone(t *testing.T) {
	e, gw, _ := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 1000)
	_, err := e.StartWork(ctx, es.ID, payee)
	require.NoError(t, err)

	_, err = e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "all", Amount: 1000}, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)
	m, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "all", Amount: 1000}, payer)
	require.NoError(t, err)
	_, err = e.Milestones().SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)

	_, err = e.Milestones().ApproveMilestone(ctx, es.ID, m.ID, payee)
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.Milestones().ApproveMilestone(ctx, es.ID, m.ID, audit.Actor{ID: "payer-2", Type: audit.ActorPayer})
	require.ErrorIs(t, err, escrow.ErrValidation)
	require.ErrorIs(t, e.Payouts().Schedule(ctx, es.ID, m.ID, time.Time{}, payee), escrow.ErrValidation)

	n, err := e.Worker().RunDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, gw.Transfers())

	got, err := e.Get(ctx, es.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateMilestonePending, got.State)
	items, err := e.Payouts().List(ctx, es.ID)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestStrangersCannotDispute(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	es := funded(t, e, 100)
	_, err := e.StartWork(ctx, es.ID, payer)
	require.NoError(t, err)

	for _, tc := range []struct {
		party escrow.DisputeParty
		actor audit.Actor
	}{
		{escrow.PartyPayer, audit.Actor{ID: "payer-2", Type: audit.ActorPayer}},
		{escrow.PartyPayee, audit.Actor{ID: "payee-2", Type: audit.ActorPayee}},
		{escrow.PartyPayer, payee},
		{escrow.PartyPayer, audit.System},
	} {
		_, err := e.Disputes().RaiseDispute(ctx, es.ID, tc.party, "not mine", nil, tc.actor)
		require.ErrorIs(t, err, escrow.ErrValidation, "%s as %s", tc.actor.ID, tc.party)
	}

	d, err := e.Disputes().RaiseDispute(ctx, es.ID, escrow.PartyPayer, "no show", nil, payer)
	require.NoError(t, err)
	_, err = e.Disputes().CloseDispute(ctx, d.ID, audit.Actor{ID: "payer-2", Type: audit.ActorPayer})
	require.ErrorIs(t, err, escrow.ErrValidation)
	_, err = e.Disputes().ResolveDispute(ctx, d.ID, escrow.ResolutionPayerFavor, nil, 0, payer)
	require.ErrorIs(t, err, escrow.ErrValidation)

	got, err := e.Disputes().Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.DisputeOpen, got.Status)
	ds, err := e.Disputes().ListByEscrow(ctx, es.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
}
