package escrow

// Funds splits an escrow's amount across its milestones.
type Funds struct {
	Paid      int64 // milestones paid out
	Committed int64 // approved, payout still owed
	Open      int64 // pending or submitted
	Allocated int64 // every non-rejected milestone
	Remaining int64 // neither paid, owed, refunded nor released
	Available int64 // room left for new milestones
}

// Tally computes the fund split of e given its milestones.
func Tally(e Escrow, ms []Milestone) Funds {
	var f Funds
	for _, m := range ms {
		switch m.Status {
		case MilestonePaid:
			f.Paid += m.Amount
		case MilestoneApproved:
			f.Committed += m.Amount
		case MilestonePending, MilestoneSubmitted:
			f.Open += m.Amount
		}
	}
	f.Allocated = f.Paid + f.Committed + f.Open
	f.Remaining = e.Allocatable() - f.Paid - f.Committed
	f.Available = e.Allocatable() - f.Allocated
	return f
}

// Settled reports whether every unit of the escrow has been paid out,
// refunded or released.
func (f Funds) Settled() bool {
	return f.Remaining == 0 && f.Committed == 0 && f.Open == 0
}
