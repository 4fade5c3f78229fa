package dispute

import (
	"fmt"

	"escrowd.org/internal/escrow"
)

// Rejection says which milestones a settlement sends back.
type Rejection int

const (
	RejectNone      Rejection = iota
	RejectSubmitted           // escrow returns to work; submissions need redoing
	RejectOpen                // escrow ends; nothing unapproved can be paid
)

// Settlement is the money movement and state change a resolution implies.
type Settlement struct {
	Event   escrow.Event
	Refund  int64 // to the payer
	Release int64 // to the payee
	Reject  Rejection
}

// Settle computes the settlement of a resolution from the escrow's fund
// split. Paid milestones and approved milestones awaiting payout are never
// touched; only the remaining funds are divided.
func Settle(f escrow.Funds, res escrow.Resolution, refundAmount int64) (Settlement, error) {
	switch res {
	case escrow.ResolutionPayerFavor:
		return Settlement{Event: escrow.EventRefund, Refund: f.Remaining, Reject: RejectOpen}, nil
	case escrow.ResolutionPayeeFavor:
		return Settlement{Event: escrow.EventComplete, Release: f.Remaining, Reject: RejectOpen}, nil
	case escrow.ResolutionPartialRefund:
		if refundAmount <= 0 || refundAmount > f.Remaining {
			return Settlement{}, fmt.Errorf("%w: refund must be within (0, %d]", escrow.ErrValidation, f.Remaining)
		}
		// Refund and release together always exhaust the remaining funds, so
		// a partial refund never returns the escrow to work. It ends on the
		// complete edge; the transition metadata carries the resolution.
		return Settlement{
			Event:   escrow.EventComplete,
			Refund:  refundAmount,
			Release: f.Remaining - refundAmount,
			Reject:  RejectOpen,
		}, nil
	case escrow.ResolutionMediation:
		return Settlement{Event: escrow.EventResolveDispute, Reject: RejectSubmitted}, nil
	default:
		return Settlement{}, fmt.Errorf("%w: resolution %q", escrow.ErrValidation, res)
	}
}
