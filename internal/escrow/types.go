package escrow

import (
	"strings"
	"time"
)

// State is the lifecycle position of an escrow.
type State string

const (
	StateCreated           State = "CREATED"
	StateFunded            State = "FUNDED"
	StateInProgress        State = "IN_PROGRESS"
	StateMilestonePending  State = "MILESTONE_PENDING"
	StateMilestoneApproved State = "MILESTONE_APPROVED"
	StateDisputed          State = "DISPUTED"
	StateCompleted         State = "COMPLETED"
	StateCancelled         State = "CANCELLED"
	StateRefunded          State = "REFUNDED"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateRefunded:
		return true
	default:
		return false
	}
}

// Event drives a transition.
type Event string

const (
	EventFund             Event = "fund"
	EventCancel           Event = "cancel"
	EventStartWork        Event = "start_work"
	EventRefund           Event = "refund"
	EventSubmitMilestone  Event = "submit_milestone"
	EventApproveMilestone Event = "approve_milestone"
	EventRejectMilestone  Event = "reject_milestone"
	EventComplete         Event = "complete"
	EventDispute          Event = "dispute"
	EventResolveDispute   Event = "resolve_dispute"
)

// Escrow holds a payer's funds for a payee. Amounts are minor currency units.
type Escrow struct {
	ID        string    `json:"id"`
	PayerID   string    `json:"payer_id"`
	PayeeID   string    `json:"payee_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	State     State     `json:"state"`
	Version   int64     `json:"version"`
	Refunded  int64     `json:"refunded"`
	Released  int64     `json:"released"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Allocatable is the part of the escrow that milestones may claim: whatever
// dispute settlement has not already refunded or released.
func (e Escrow) Allocatable() int64 {
	return e.Amount - e.Refunded - e.Released
}

// NewEscrow is the input for creating an escrow.
type NewEscrow struct {
	PayerID  string
	PayeeID  string
	Amount   int64
	Currency string
}

func (n NewEscrow) normalize() NewEscrow {
	n.PayerID = strings.TrimSpace(n.PayerID)
	n.PayeeID = strings.TrimSpace(n.PayeeID)
	n.Currency = strings.ToUpper(strings.TrimSpace(n.Currency))
	return n
}

// MilestoneStatus is the lifecycle position of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestonePaid      MilestoneStatus = "paid"
)

// Milestone is a slice of an escrow released independently on approval.
type Milestone struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrow_id"`
	Seq         int             `json:"seq"`
	Title       string          `json:"title"`
	Amount      int64           `json:"amount"`
	DueDate     time.Time       `json:"due_date"`
	Status      MilestoneStatus `json:"status"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	Evidence    []string        `json:"evidence,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Milestone) Clone() Milestone {
	out := m
	out.SubmittedAt = cloneTime(m.SubmittedAt)
	out.ApprovedAt = cloneTime(m.ApprovedAt)
	out.PaidAt = cloneTime(m.PaidAt)
	if m.Evidence != nil {
		out.Evidence = append([]string(nil), m.Evidence...)
	}
	return out
}

// DisputeParty identifies who raised a dispute.
type DisputeParty string

const (
	PartyPayer DisputeParty = "payer"
	PartyPayee DisputeParty = "payee"
)

// DisputeStatus is the lifecycle position of a dispute.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosed      DisputeStatus = "closed"
)

// Terminal reports whether the dispute can no longer change.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Resolution is the outcome chosen when a dispute is resolved.
type Resolution string

const (
	ResolutionPayerFavor    Resolution = "payer_favor"
	ResolutionPayeeFavor    Resolution = "payee_favor"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionMediation     Resolution = "mediation"
)

// Dispute contests an escrow until resolved or withdrawn.
type Dispute struct {
	ID           string        `json:"id"`
	EscrowID     string        `json:"escrow_id"`
	RaisedBy     DisputeParty  `json:"raised_by"`
	Reason       string        `json:"reason"`
	Evidence     []string      `json:"evidence,omitempty"`
	Status       DisputeStatus `json:"status"`
	Resolution   Resolution    `json:"resolution,omitempty"`
	RefundAmount *int64        `json:"refund_amount,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy of d.
func (d Dispute) Clone() Dispute {
	out := d
	if d.Evidence != nil {
		out.Evidence = append([]string(nil), d.Evidence...)
	}
	if d.RefundAmount != nil {
		v := *d.RefundAmount
		out.RefundAmount = &v
	}
	out.ResolvedAt = cloneTime(d.ResolvedAt)
	return out
}

// PayoutKind distinguishes milestone payouts from settlement transfers.
type PayoutKind string

const (
	PayoutMilestone PayoutKind = "milestone"
	PayoutRefund    PayoutKind = "refund"
	PayoutRelease   PayoutKind = "release"
)

// WorkStatus is the lifecycle position of a payout work item.
type WorkStatus string

const (
	WorkScheduled WorkStatus = "scheduled"
	WorkSucceeded WorkStatus = "succeeded"
	WorkFailed    WorkStatus = "failed"
	WorkAborted   WorkStatus = "aborted"
	WorkCancelled WorkStatus = "cancelled"
)

// Final reports whether the item will never be executed again.
func (s WorkStatus) Final() bool {
	return s != WorkScheduled
}

// WorkItem is a durable payout obligation. Key is the idempotency key and
// TransferID is derived from it, so replays reach the payment rail with the
// same request id.
type WorkItem struct {
	Key         string     `json:"key"`
	EscrowID    string     `json:"escrow_id"`
	MilestoneID string     `json:"milestone_id,omitempty"`
	Kind        PayoutKind `json:"kind"`
	Recipient   string     `json:"recipient"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	TransferID  string     `json:"transfer_id"`
	Status      WorkStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	NotBefore   time.Time  `json:"not_before"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
