package escrow

import (
	"context"
	"time"

	"escrowd.org/internal/audit"
)

// Store is the durable home of escrows and everything they own. All writes go
// through a Tx so that state, milestones, disputes, payout work and audit
// entries commit together.
type Store interface {
	audit.Reader

	Begin(ctx context.Context) (Tx, error)

	// ClaimDue returns up to limit scheduled work items whose NotBefore has
	// passed and pushes their NotBefore forward by lease so that concurrent
	// workers skip them. Delivery is at-least-once.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]WorkItem, error)
}

// Tx is one unit of work. Reads observe the transaction's own writes.
// SaveEscrow fails with ErrConcurrencyConflict, at the latest on Commit, when
// the stored version differs from expectedVersion.
type Tx interface {
	audit.Appender
	audit.Reader

	InsertEscrow(ctx context.Context, e Escrow) error
	GetEscrow(ctx context.Context, id string) (Escrow, error)
	SaveEscrow(ctx context.Context, e Escrow, expectedVersion int64) error

	ListMilestones(ctx context.Context, escrowID string) ([]Milestone, error)
	GetMilestone(ctx context.Context, escrowID, id string) (Milestone, error)
	PutMilestone(ctx context.Context, m Milestone) error

	GetDispute(ctx context.Context, escrowID, id string) (Dispute, error)
	// FindDispute looks a dispute up by id alone.
	FindDispute(ctx context.Context, id string) (Dispute, error)
	ListDisputes(ctx context.Context, escrowID string) ([]Dispute, error)
	PutDispute(ctx context.Context, d Dispute) error

	GetWorkItem(ctx context.Context, key string) (WorkItem, error)
	ListWorkItems(ctx context.Context, escrowID string) ([]WorkItem, error)
	PutWorkItem(ctx context.Context, w WorkItem) error

	Commit() error
	Rollback() error
}
