package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/ids"
	"escrowd.org/internal/obs"
)

// Metadata keys understood by built-in transition validation.
const (
	MetaMilestoneID = "milestone_id"
	MetaDisputeID   = "dispute_id"
)

const defaultMaxRetries = 3

// Change describes a committed unit of work. Notifiers receive it after the
// commit has succeeded.
type Change struct {
	Escrow  Escrow
	From    State
	Event   Event // empty when the state did not change
	Action  string
	Actor   audit.Actor
	Entries []audit.Entry
}

// Notifier observes committed changes. Implementations must not block.
type Notifier interface {
	EscrowChanged(ctx context.Context, c Change)
}

// Unit is the view a caller gets of an in-flight unit of work. Escrow holds
// the loaded snapshot; hooks may adjust its settlement totals but never its
// state or version.
type Unit struct {
	Tx       Tx
	Escrow   Escrow
	From     State
	To       State
	Actor    audit.Actor
	Metadata map[string]string
	Now      time.Time

	pending []audit.Entry
	after   []func(context.Context)
}

// Audit stages an additional audit entry that commits with the unit.
func (u *Unit) Audit(action string, details map[string]string) {
	u.pending = append(u.pending, audit.Entry{
		EscrowID:  u.Escrow.ID,
		Actor:     u.Actor.ID,
		ActorType: u.Actor.Type,
		Action:    action,
		Details:   details,
	})
}

// AfterCommit registers fn to run once the unit has committed.
func (u *Unit) AfterCommit(fn func(context.Context)) {
	u.after = append(u.after, fn)
}

// Hook runs inside a unit of work.
type Hook func(ctx context.Context, u *Unit) error

// TransitionRequest asks the machine to apply Event to an escrow.
type TransitionRequest struct {
	EscrowID string
	Event    Event
	Actor    audit.Actor
	Metadata map[string]string
	// Validate runs before the transition table is consulted.
	Validate Hook
	// Apply stages related writes once the next state is known.
	Apply Hook
}

// RecordRequest is an audited change that leaves the escrow state alone.
type RecordRequest struct {
	EscrowID string
	Action   string
	Actor    audit.Actor
	Details  map[string]string
	Apply    Hook
}

// Machine is the only component that changes an escrow's state.
type Machine struct {
	store      Store
	audit      *audit.Logger
	notifier   Notifier
	now        func() time.Time
	maxRetries int
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// NewMachine wires a Machine to its store.
func NewMachine(store Store, log *audit.Logger, opts ...Option) *Machine {
	if log == nil {
		log = audit.NewLogger(store)
	}
	m := &Machine{
		store:      store,
		audit:      log,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backing store.
func (m *Machine) Store() Store { return m.store }

// Audit returns the audit logger.
func (m *Machine) Audit() *audit.Logger { return m.audit }

// Now returns the machine clock.
func (m *Machine) Now() time.Time { return m.now() }

// Create validates n and stores a new escrow in CREATED.
func (m *Machine) Create(ctx context.Context, n NewEscrow, actor audit.Actor) (Escrow, error) {
	n = n.normalize()
	switch {
	case n.PayerID == "" || n.PayeeID == "":
		return Escrow{}, fmt.Errorf("%w: payer and payee required", ErrValidation)
	case n.PayerID == n.PayeeID:
		return Escrow{}, fmt.Errorf("%w: payer and payee must differ", ErrValidation)
	case n.Amount <= 0:
		return Escrow{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	case len(n.Currency) != 3:
		return Escrow{}, fmt.Errorf("%w: currency %q", ErrValidation, n.Currency)
	}
	now := m.now()
	e := Escrow{
		ID:        ids.New(),
		PayerID:   n.PayerID,
		PayeeID:   n.PayeeID,
		Amount:    n.Amount,
		Currency:  n.Currency,
		State:     StateCreated,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return Escrow{}, err
	}
	defer tx.Rollback()
	if err := tx.InsertEscrow(ctx, e); err != nil {
		return Escrow{}, err
	}
	entry, err := m.audit.Append(ctx, tx, audit.Entry{
		EscrowID:  e.ID,
		Actor:     actor.ID,
		ActorType: actor.Type,
		Action:    "escrow.created",
		ToState:   string(StateCreated),
		Details: map[string]string{
			"amount":   strconv.FormatInt(e.Amount, 10),
			"currency": e.Currency,
		},
	})
	if err != nil {
		return Escrow{}, err
	}
	if err := tx.Commit(); err != nil {
		return Escrow{}, err
	}
	m.publish(ctx, tx, Change{Escrow: e, Action: entry.Action, Actor: actor, Entries: []audit.Entry{entry}})
	return e, nil
}

// Get returns the current snapshot of an escrow.
func (m *Machine) Get(ctx context.Context, id string) (Escrow, error) {
	var out Escrow
	err := m.View(ctx, func(tx Tx) error {
		e, err := tx.GetEscrow(ctx, id)
		out = e
		return err
	})
	return out, err
}

// View runs fn in a transaction that is always rolled back.
func (m *Machine) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Transition applies req.Event, retrying on version conflicts.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (Escrow, error) {
	if req.EscrowID == "" {
		return Escrow{}, fmt.Errorf("%w: escrow id required", ErrValidation)
	}
	e, err := m.retry(ctx, func() (Escrow, error) {
		return m.transitionOnce(ctx, req)
	})
	switch {
	case err == nil:
		obs.ObserveTransition(string(req.Event), "ok")
	case errors.Is(err, ErrInvalidTransition):
		obs.ObserveTransition(string(req.Event), "invalid")
	case errors.Is(err, ErrValidation):
		obs.ObserveTransition(string(req.Event), "rejected")
	case errors.Is(err, ErrConcurrencyConflict):
		obs.ObserveTransition(string(req.Event), "conflict")
	default:
		obs.ObserveTransition(string(req.Event), "error")
	}
	return e, err
}

// Record commits an audited change that bumps the escrow version without
// moving its state.
func (m *Machine) Record(ctx context.Context, req RecordRequest) (Escrow, error) {
	if req.EscrowID == "" {
		return Escrow{}, fmt.Errorf("%w: escrow id required", ErrValidation)
	}
	if strings.TrimSpace(req.Action) == "" {
		return Escrow{}, fmt.Errorf("%w: action required", ErrValidation)
	}
	return m.retry(ctx, func() (Escrow, error) {
		return m.recordOnce(ctx, req)
	})
}

func (m *Machine) retry(ctx context.Context, fn func() (Escrow, error)) (Escrow, error) {
	for attempt := 0; ; attempt++ {
		e, err := fn()
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return e, err
		}
		obs.ObserveConflict()
		if attempt >= m.maxRetries {
			return Escrow{}, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return Escrow{}, cerr
		}
	}
}

func (m *Machine) transitionOnce(ctx context.Context, req TransitionRequest) (Escrow, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return Escrow{}, err
	}
	defer tx.Rollback()

	cur, err := tx.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return Escrow{}, err
	}
	u := m.unit(tx, cur, req.Actor, req.Metadata)
	if err := m.validate(ctx, u, req.Event); err != nil {
		return Escrow{}, err
	}
	if req.Validate != nil {
		if err := req.Validate(ctx, u); err != nil {
			return Escrow{}, err
		}
	}
	to, err := Next(cur.State, req.Event)
	if err != nil {
		m.logRejected(ctx, cur, req)
		return Escrow{}, err
	}
	u.To = to
	if req.Apply != nil {
		if err := req.Apply(ctx, u); err != nil {
			return Escrow{}, err
		}
	}
	head := audit.Entry{
		EscrowID:  cur.ID,
		Actor:     req.Actor.ID,
		ActorType: req.Actor.Type,
		Action:    "escrow." + string(req.Event),
		FromState: string(cur.State),
		ToState:   string(to),
		Details:   req.Metadata,
	}
	u.pending = append([]audit.Entry{head}, u.pending...)

	next := u.Escrow
	next.State = to
	return m.commit(ctx, u, next, Change{From: cur.State, Event: req.Event, Action: head.Action, Actor: req.Actor})
}

func (m *Machine) recordOnce(ctx context.Context, req RecordRequest) (Escrow, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return Escrow{}, err
	}
	defer tx.Rollback()

	cur, err := tx.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return Escrow{}, err
	}
	u := m.unit(tx, cur, req.Actor, req.Details)
	u.To = cur.State
	if req.Apply != nil {
		if err := req.Apply(ctx, u); err != nil {
			return Escrow{}, err
		}
	}
	head := audit.Entry{
		EscrowID:  cur.ID,
		Actor:     req.Actor.ID,
		ActorType: req.Actor.Type,
		Action:    req.Action,
		Details:   req.Details,
	}
	u.pending = append([]audit.Entry{head}, u.pending...)

	next := u.Escrow
	next.State = cur.State
	return m.commit(ctx, u, next, Change{From: cur.State, Action: req.Action, Actor: req.Actor})
}

func (m *Machine) unit(tx Tx, cur Escrow, actor audit.Actor, meta map[string]string) *Unit {
	if meta == nil {
		meta = map[string]string{}
	}
	return &Unit{
		Tx:       tx,
		Escrow:   cur,
		From:     cur.State,
		Actor:    actor,
		Metadata: meta,
		Now:      m.now(),
	}
}

func (m *Machine) commit(ctx context.Context, u *Unit, next Escrow, change Change) (Escrow, error) {
	cur := u.Escrow
	expected := cur.Version
	next.ID = cur.ID
	next.Amount = cur.Amount
	next.Version = expected + 1
	next.UpdatedAt = u.Now
	if err := u.Tx.SaveEscrow(ctx, next, expected); err != nil {
		return Escrow{}, err
	}
	entries := make([]audit.Entry, 0, len(u.pending))
	for _, p := range u.pending {
		e, err := m.audit.Append(ctx, u.Tx, p)
		if err != nil {
			return Escrow{}, err
		}
		entries = append(entries, e)
	}
	if err := u.Tx.Commit(); err != nil {
		return Escrow{}, err
	}
	change.Escrow = next
	change.Entries = entries
	m.publish(ctx, u.Tx, change)
	for _, fn := range u.after {
		fn(ctx)
	}
	return next, nil
}

func (m *Machine) publish(ctx context.Context, tx Tx, c Change) {
	if cm, ok := tx.(interface{ Committed() []audit.Entry }); ok {
		if committed := cm.Committed(); len(committed) == len(c.Entries) {
			c.Entries = committed
		}
	}
	m.audit.Publish(ctx, c.Entries...)
	if m.notifier != nil {
		m.notifier.EscrowChanged(ctx, c)
	}
}

func (m *Machine) logRejected(ctx context.Context, cur Escrow, req TransitionRequest) {
	fields := map[string]any{
		"escrow_id":  cur.ID,
		"event":      string(req.Event),
		"state":      string(cur.State),
		"actor":      req.Actor.ID,
		"actor_type": string(req.Actor.Type),
	}
	_ = audit.LogEvent(ctx, "escrow.transition_rejected", fields)
}

func (m *Machine) validate(ctx context.Context, u *Unit, ev Event) error {
	switch ev {
	case EventFund:
		if u.Escrow.Amount <= 0 {
			return fmt.Errorf("%w: amount must be positive", ErrValidation)
		}
	case EventSubmitMilestone, EventApproveMilestone, EventRejectMilestone:
		id := u.Metadata[MetaMilestoneID]
		if id == "" {
			return fmt.Errorf("%w: %s requires %s", ErrValidation, ev, MetaMilestoneID)
		}
		ms, err := u.Tx.GetMilestone(ctx, u.Escrow.ID, id)
		if err != nil {
			return err
		}
		if ev != EventSubmitMilestone && ms.Status != MilestoneSubmitted {
			return fmt.Errorf("%w: milestone %s is %s, not submitted", ErrValidation, id, ms.Status)
		}
	}
	return nil
}
