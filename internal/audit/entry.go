package audit

import (
	"context"
	"time"
)

// ActorType classifies who performed an audited action.
type ActorType string

const (
	ActorPayer  ActorType = "payer"
	ActorPayee  ActorType = "payee"
	ActorAdmin  ActorType = "admin"
	ActorSystem ActorType = "system"
)

// Valid reports whether t is a known actor type.
func (t ActorType) Valid() bool {
	switch t {
	case ActorPayer, ActorPayee, ActorAdmin, ActorSystem:
		return true
	default:
		return false
	}
}

// Actor identifies the principal behind an action.
type Actor struct {
	ID   string
	Type ActorType
}

// System is the actor used for engine-initiated work such as payouts.
var System = Actor{ID: "escrowd", Type: ActorSystem}

// Entry is one immutable record in an escrow's audit trail. Seq is assigned by
// the store when the entry is committed and is strictly increasing per escrow.
type Entry struct {
	ID        string            `json:"id"`
	EscrowID  string            `json:"escrow_id"`
	Seq       uint64            `json:"seq"`
	Actor     string            `json:"actor"`
	ActorType ActorType         `json:"actor_type"`
	Action    string            `json:"action"`
	FromState string            `json:"from_state,omitempty"`
	ToState   string            `json:"to_state,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Appender is the write side of an audit store. Implementations must never
// modify or remove previously appended entries.
type Appender interface {
	AppendAudit(ctx context.Context, e Entry) (Entry, error)
}

// Reader pages through an escrow's audit trail in sequence order.
type Reader interface {
	ListAudit(ctx context.Context, escrowID string, afterSeq uint64, limit int) ([]Entry, error)
}
