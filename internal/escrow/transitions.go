package escrow

import "fmt"

var transitions = map[State]map[Event]State{
	StateCreated: {
		EventFund:   StateFunded,
		EventCancel: StateCancelled,
	},
	StateFunded: {
		EventStartWork: StateInProgress,
		EventCancel:    StateCancelled,
		EventRefund:    StateRefunded,
	},
	StateInProgress: {
		EventSubmitMilestone: StateMilestonePending,
		EventComplete:        StateCompleted,
		EventDispute:         StateDisputed,
	},
	StateMilestonePending: {
		EventApproveMilestone: StateMilestoneApproved,
		EventRejectMilestone:  StateInProgress,
		EventDispute:          StateDisputed,
	},
	StateMilestoneApproved: {
		EventSubmitMilestone: StateMilestonePending,
		EventComplete:        StateCompleted,
	},
	StateDisputed: {
		EventResolveDispute: StateInProgress,
		EventRefund:         StateRefunded,
		EventComplete:       StateCompleted,
	},
}

// Next returns the state reached by applying ev in from.
func Next(from State, ev Event) (State, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Allowed reports whether ev is accepted in from.
func Allowed(from State, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

// Step is one recorded state change.
type Step struct {
	From State
	To   State
}

// ValidWalk reports whether steps form a path through the transition table
// starting at CREATED.
func ValidWalk(steps []Step) error {
	cur := StateCreated
	for i, s := range steps {
		if s.From != cur {
			return fmt.Errorf("step %d: from %s, expected %s", i, s.From, cur)
		}
		ok := false
		for _, to := range transitions[s.From] {
			if to == s.To {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("step %d: %w: %s to %s", i, ErrInvalidTransition, s.From, s.To)
		}
		cur = s.To
	}
	return nil
}
