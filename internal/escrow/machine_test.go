package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowd.org/internal/audit"
)

var payer = audit.Actor{ID: "payer-1", Type: audit.ActorPayer}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) EscrowChanged(_ context.Context, c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

// conflictingStore fails the next n commits with a version conflict.
type conflictingStore struct {
	*InMemory
	mu sync.Mutex
	n  int
}

func (s *conflictingStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.InMemory.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &conflictingTx{Tx: tx, s: s}, nil
}

type conflictingTx struct {
	Tx
	s *conflictingStore
}

func (t *conflictingTx) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.n > 0 {
		t.s.n--
		_ = t.Tx.Rollback()
		return ErrConcurrencyConflict
	}
	return t.Tx.Commit()
}

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *InMemory) {
	t.Helper()
	st := NewInMemory()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return NewMachine(st, audit.NewLogger(st), opts...), st
}

func createEscrow(t *testing.T, m *Machine, amount int64) Escrow {
	t.Helper()
	e, err := m.Create(context.Background(), NewEscrow{PayerID: "payer-1", PayeeID: "payee-1", Amount: amount, Currency: "kzt"}, payer)
	require.NoError(t, err)
	return e
}

func TestCreateValidates(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	cases := []NewEscrow{
		{PayerID: "", PayeeID: "b", Amount: 1, Currency: "USD"},
		{PayerID: "a", PayeeID: "a", Amount: 1, Currency: "USD"},
		{PayerID: "a", PayeeID: "b", Amount: 0, Currency: "USD"},
		{PayerID: "a", PayeeID: "b", Amount: 1, Currency: "US"},
	}
	for _, n := range cases {
		_, err := m.Create(ctx, n, payer)
		require.ErrorIs(t, err, ErrValidation)
	}

	e := createEscrow(t, m, 500)
	require.Equal(t, StateCreated, e.State)
	require.Equal(t, "KZT", e.Currency)
	require.EqualValues(t, 1, e.Version)

	trail, err := m.Audit().Collect(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, "escrow.created", trail[0].Action)
	require.EqualValues(t, 1, trail[0].Seq)
}

func TestTransitionLifecycleAndAuditWalk(t *testing.T) {
	n := &recordingNotifier{}
	m, _ := newTestMachine(t, WithNotifier(n))
	ctx := context.Background()
	e := createEscrow(t, m, 1000)

	for _, ev := range []Event{EventFund, EventStartWork, EventComplete} {
		var err error
		e, err = m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Event: ev, Actor: payer})
		require.NoError(t, err, ev)
	}
	require.Equal(t, StateCompleted, e.State)
	require.EqualValues(t, 4, e.Version)

	trail, err := m.Audit().Collect(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	var steps []Step
	for i, entry := range trail {
		require.EqualValues(t, i+1, entry.Seq)
		if entry.FromState != "" {
			steps = append(steps, Step{From: State(entry.FromState), To: State(entry.ToState)})
		}
	}
	require.NoError(t, ValidWalk(steps))

	require.Len(t, n.changes, 4)
	require.Equal(t, EventComplete, n.changes[3].Event)
	require.Equal(t, StateInProgress, n.changes[3].From)
	require.EqualValues(t, 4, n.changes[3].Entries[0].Seq)
}

func TestInvalidTransitionLeavesStateAlone(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	e := createEscrow(t, m, 1000)

	_, err := m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Event: EventComplete, Actor: payer})
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, StateCreated, got.State)
	require.EqualValues(t, 1, got.Version)

	trail, err := m.Audit().Collect(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
}

func TestValidationRunsBeforeTableLookup(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	e := createEscrow(t, m, 1000)

	// approve_milestone is not allowed from CREATED, but the missing
	// milestone id is reported first.
	_, err := m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Event: EventApproveMilestone, Actor: payer})
	require.ErrorIs(t, err, ErrValidation)
}

func TestHooksCommitWithTransition(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()
	e := createEscrow(t, m, 1000)

	e, err := m.Transition(ctx, TransitionRequest{
		EscrowID: e.ID,
		Event:    EventFund,
		Actor:    payer,
		Apply: func(ctx context.Context, u *Unit) error {
			require.Equal(t, StateFunded, u.To)
			u.Audit("funds.held", map[string]string{"amount": "1000"})
			return u.Tx.PutWorkItem(ctx, WorkItem{Key: e.ID + "/probe", EscrowID: e.ID, Status: WorkScheduled})
		},
	})
	require.NoError(t, err)

	trail, err := m.Audit().Collect(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	require.Equal(t, "escrow.fund", trail[1].Action)
	require.Equal(t, "funds.held", trail[2].Action)

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.GetWorkItem(ctx, e.ID+"/probe")
	require.NoError(t, err)
}

func TestFailedHookCommitsNothing(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	e := createEscrow(t, m, 1000)

	_, err := m.Transition(ctx, TransitionRequest{
		EscrowID: e.ID,
		Event:    EventFund,
		Actor:    payer,
		Validate: func(context.Context, *Unit) error { return ErrValidation },
	})
	require.ErrorIs(t, err, ErrValidation)

	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, StateCreated, got.State)
}

func TestTransitionRetriesConflicts(t *testing.T) {
	st := &conflictingStore{InMemory: NewInMemory()}
	m := NewMachine(st, audit.NewLogger(st), WithMaxRetries(2))
	ctx := context.Background()
	e, err := m.Create(ctx, NewEscrow{PayerID: "a", PayeeID: "b", Amount: 10, Currency: "USD"}, payer)
	require.NoError(t, err)

	st.n = 2
	e, err = m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Event: EventFund, Actor: payer})
	require.NoError(t, err)
	require.Equal(t, StateFunded, e.State)

	st.n = 3
	_, err = m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Event: EventStartWork, Actor: payer})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestRecordBumpsVersionOnly(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	e := createEscrow(t, m, 1000)

	got, err := m.Record(ctx, RecordRequest{EscrowID: e.ID, Action: "note.added", Actor: payer})
	require.NoError(t, err)
	require.Equal(t, StateCreated, got.State)
	require.EqualValues(t, 2, got.Version)

	_, err = m.Record(ctx, RecordRequest{EscrowID: e.ID, Actor: payer})
	require.ErrorIs(t, err, ErrValidation)
}

func TestGetUnknown(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
