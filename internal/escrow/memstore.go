package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrowd.org/internal/audit"
)

// InMemory implements Store with in-process concurrency safety. Transactions
// buffer their writes and apply them under one lock after checking versions.
type InMemory struct {
	mu         sync.RWMutex
	escrows    map[string]Escrow
	milestones map[string]Milestone // id -> milestone
	disputes   map[string]Dispute
	work       map[string]WorkItem
	trail      map[string][]audit.Entry
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		escrows:    make(map[string]Escrow),
		milestones: make(map[string]Milestone),
		disputes:   make(map[string]Dispute),
		work:       make(map[string]WorkItem),
		trail:      make(map[string][]audit.Entry),
	}
}

func (s *InMemory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		s:          s,
		inserts:    make(map[string]Escrow),
		saves:      make(map[string]versioned),
		milestones: make(map[string]Milestone),
		disputes:   make(map[string]Dispute),
		work:       make(map[string]WorkItem),
	}, nil
}

func (s *InMemory) ListAudit(ctx context.Context, escrowID string, afterSeq uint64, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pageAudit(s.trail[escrowID], afterSeq, limit), nil
}

func (s *InMemory) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []WorkItem
	for _, w := range s.work {
		if w.Status == WorkScheduled && !w.NotBefore.After(now) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NotBefore.Equal(due[j].NotBefore) {
			return due[i].NotBefore.Before(due[j].NotBefore)
		}
		return due[i].Key < due[j].Key
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		w := s.work[due[i].Key]
		w.NotBefore = now.Add(lease)
		s.work[w.Key] = w
	}
	return due, nil
}

func pageAudit(all []audit.Entry, afterSeq uint64, limit int) []audit.Entry {
	// seq n lives at index n-1
	start := int(afterSeq)
	if start >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]audit.Entry, end-start)
	copy(out, all[start:end])
	return out
}

type versioned struct {
	e        Escrow
	expected int64
}

type memTx struct {
	s    *InMemory
	done bool

	inserts    map[string]Escrow
	saves      map[string]versioned
	milestones map[string]Milestone
	disputes   map[string]Dispute
	work       map[string]WorkItem
	trail      []audit.Entry
}

func (t *memTx) check() error {
	if t.done {
		return fmt.Errorf("escrow: transaction already finished")
	}
	return nil
}

func (t *memTx) InsertEscrow(ctx context.Context, e Escrow) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.GetEscrow(ctx, e.ID); err == nil {
		return fmt.Errorf("%w: escrow %s", ErrAlreadyExists, e.ID)
	}
	t.inserts[e.ID] = e
	return nil
}

func (t *memTx) GetEscrow(ctx context.Context, id string) (Escrow, error) {
	if v, ok := t.saves[id]; ok {
		return v.e, nil
	}
	if e, ok := t.inserts[id]; ok {
		return e, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	e, ok := t.s.escrows[id]
	if !ok {
		return Escrow{}, fmt.Errorf("%w: escrow %s", ErrNotFound, id)
	}
	return e, nil
}

func (t *memTx) SaveEscrow(ctx context.Context, e Escrow, expectedVersion int64) error {
	if err := t.check(); err != nil {
		return err
	}
	if ins, ok := t.inserts[e.ID]; ok {
		if ins.Version != expectedVersion {
			return fmt.Errorf("%w: escrow %s", ErrConcurrencyConflict, e.ID)
		}
		t.inserts[e.ID] = e
		return nil
	}
	if prev, ok := t.saves[e.ID]; ok {
		if prev.e.Version != expectedVersion {
			return fmt.Errorf("%w: escrow %s", ErrConcurrencyConflict, e.ID)
		}
		expectedVersion = prev.expected
	}
	t.saves[e.ID] = versioned{e: e, expected: expectedVersion}
	return nil
}

func (t *memTx) ListMilestones(ctx context.Context, escrowID string) ([]Milestone, error) {
	byID := make(map[string]Milestone)
	t.s.mu.RLock()
	for id, m := range t.s.milestones {
		if m.EscrowID == escrowID {
			byID[id] = m.Clone()
		}
	}
	t.s.mu.RUnlock()
	for id, m := range t.milestones {
		if m.EscrowID == escrowID {
			byID[id] = m.Clone()
		}
	}
	out := make([]Milestone, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) GetMilestone(ctx context.Context, escrowID, id string) (Milestone, error) {
	m, ok := t.milestones[id]
	if !ok {
		t.s.mu.RLock()
		m, ok = t.s.milestones[id]
		t.s.mu.RUnlock()
	}
	if !ok || m.EscrowID != escrowID {
		return Milestone{}, fmt.Errorf("%w: milestone %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (t *memTx) PutMilestone(ctx context.Context, m Milestone) error {
	if err := t.check(); err != nil {
		return err
	}
	t.milestones[m.ID] = m.Clone()
	return nil
}

func (t *memTx) GetDispute(ctx context.Context, escrowID, id string) (Dispute, error) {
	d, err := t.FindDispute(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.EscrowID != escrowID {
		return Dispute{}, fmt.Errorf("%w: dispute %s", ErrNotFound, id)
	}
	return d, nil
}

func (t *memTx) FindDispute(ctx context.Context, id string) (Dispute, error) {
	d, ok := t.disputes[id]
	if !ok {
		t.s.mu.RLock()
		d, ok = t.s.disputes[id]
		t.s.mu.RUnlock()
	}
	if !ok {
		return Dispute{}, fmt.Errorf("%w: dispute %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (t *memTx) ListDisputes(ctx context.Context, escrowID string) ([]Dispute, error) {
	byID := make(map[string]Dispute)
	t.s.mu.RLock()
	for id, d := range t.s.disputes {
		if d.EscrowID == escrowID {
			byID[id] = d.Clone()
		}
	}
	t.s.mu.RUnlock()
	for id, d := range t.disputes {
		if d.EscrowID == escrowID {
			byID[id] = d.Clone()
		}
	}
	out := make([]Dispute, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) PutDispute(ctx context.Context, d Dispute) error {
	if err := t.check(); err != nil {
		return err
	}
	t.disputes[d.ID] = d.Clone()
	return nil
}

func (t *memTx) GetWorkItem(ctx context.Context, key string) (WorkItem, error) {
	w, ok := t.work[key]
	if !ok {
		t.s.mu.RLock()
		w, ok = t.s.work[key]
		t.s.mu.RUnlock()
	}
	if !ok {
		return WorkItem{}, fmt.Errorf("%w: work item %s", ErrNotFound, key)
	}
	return w, nil
}

func (t *memTx) ListWorkItems(ctx context.Context, escrowID string) ([]WorkItem, error) {
	byKey := make(map[string]WorkItem)
	t.s.mu.RLock()
	for k, w := range t.s.work {
		if w.EscrowID == escrowID {
			byKey[k] = w
		}
	}
	t.s.mu.RUnlock()
	for k, w := range t.work {
		if w.EscrowID == escrowID {
			byKey[k] = w
		}
	}
	out := make([]WorkItem, 0, len(byKey))
	for _, w := range byKey {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *memTx) PutWorkItem(ctx context.Context, w WorkItem) error {
	if err := t.check(); err != nil {
		return err
	}
	t.work[w.Key] = w
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if err := t.check(); err != nil {
		return audit.Entry{}, err
	}
	t.trail = append(t.trail, e)
	return e, nil
}

func (t *memTx) ListAudit(ctx context.Context, escrowID string, afterSeq uint64, limit int) ([]audit.Entry, error) {
	return t.s.ListAudit(ctx, escrowID, afterSeq, limit)
}

func (t *memTx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range t.inserts {
		if _, ok := s.escrows[id]; ok {
			return fmt.Errorf("%w: escrow %s", ErrAlreadyExists, id)
		}
	}
	for id, v := range t.saves {
		cur, ok := s.escrows[id]
		if !ok {
			return fmt.Errorf("%w: escrow %s", ErrNotFound, id)
		}
		if cur.Version != v.expected {
			return fmt.Errorf("%w: escrow %s at version %d, expected %d", ErrConcurrencyConflict, id, cur.Version, v.expected)
		}
	}
	for id, e := range t.inserts {
		s.escrows[id] = e
	}
	for id, v := range t.saves {
		s.escrows[id] = v.e
	}
	for id, m := range t.milestones {
		s.milestones[id] = m
	}
	for id, d := range t.disputes {
		s.disputes[id] = d
	}
	for k, w := range t.work {
		s.work[k] = w
	}
	for i := range t.trail {
		e := t.trail[i]
		e.Seq = uint64(len(s.trail[e.EscrowID]) + 1)
		s.trail[e.EscrowID] = append(s.trail[e.EscrowID], e)
		t.trail[i] = e
	}
	return nil
}

// Committed returns the audit entries of a committed transaction with their
// assigned sequence numbers.
func (t *memTx) Committed() []audit.Entry {
	if !t.done {
		return nil
	}
	return append([]audit.Entry(nil), t.trail...)
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
