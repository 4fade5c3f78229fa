package escrow

import (
	"context"
	"fmt"

	"escrowd.org/internal/audit"
)

// Allow fails with ErrValidation unless the actor has one of the given types.
func Allow(actor audit.Actor, what string, types ...audit.ActorType) error {
	for _, t := range types {
		if actor.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: actor type %q may not %s", ErrValidation, actor.Type, what)
}

// Owner requires payer and payee actors to be the escrow's own parties.
// Admin and system actors pass.
func Owner(actor audit.Actor) Hook {
	return func(_ context.Context, u *Unit) error {
		switch actor.Type {
		case audit.ActorPayer:
			if actor.ID != u.Escrow.PayerID {
				return fmt.Errorf("%w: %s is not the payer of %s", ErrValidation, actor.ID, u.Escrow.ID)
			}
		case audit.ActorPayee:
			if actor.ID != u.Escrow.PayeeID {
				return fmt.Errorf("%w: %s is not the payee of %s", ErrValidation, actor.ID, u.Escrow.ID)
			}
		}
		return nil
	}
}

// Chain runs hooks in order and stops at the first error. Nil hooks are
// skipped.
func Chain(hooks ...Hook) Hook {
	return func(ctx context.Context, u *Unit) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, u); err != nil {
				return err
			}
		}
		return nil
	}
}
