package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/engine"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/ledger"
	"escrowd.org/internal/milestone"
	"escrowd.org/internal/payout"
)

var smokeCmd = &cli.Command{
	Name:   "smoke",
	Usage:  "Run a two-milestone escrow end to end in memory",
	Action: smokeAction,
}

func smokeAction(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()

	book := ledger.NewInMemory()
	lg := &payout.LedgerGateway{Book: book, Vault: "vault"}
	eng := engine.New(escrow.NewInMemory(), lg, engine.Options{Notifier: lg})

	payer := audit.Actor{ID: "smoke-payer", Type: audit.ActorPayer}
	payee := audit.Actor{ID: "smoke-payee", Type: audit.ActorPayee}

	es, err := eng.CreateEscrow(ctx, escrow.NewEscrow{PayerID: payer.ID, PayeeID: payee.ID, Amount: 1000, Currency: "USD"}, payer)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := eng.Fund(ctx, es.ID, "smoke", payer); err != nil {
		return fmt.Errorf("fund: %w", err)
	}
	if _, err := eng.StartWork(ctx, es.ID, payee); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for i, amt := range []int64{400, 600} {
		ms, err := eng.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: fmt.Sprintf("part %d", i+1), Amount: amt}, payer)
		if err != nil {
			return fmt.Errorf("milestone: %w", err)
		}
		if _, err := eng.Milestones().SubmitMilestone(ctx, es.ID, ms.ID, []string{"smoke"}, payee); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		if _, err := eng.Milestones().ApproveMilestone(ctx, es.ID, ms.ID, payer); err != nil {
			return fmt.Errorf("approve: %w", err)
		}
	}
	if _, err := eng.Worker().RunDue(ctx); err != nil {
		return fmt.Errorf("payouts: %w", err)
	}

	got, err := eng.Get(ctx, es.ID)
	if err != nil {
		return err
	}
	bal, err := book.GetBalance(ctx, payee.ID, "USD")
	if err != nil {
		return err
	}
	if got.State != escrow.StateCompleted || bal.Amount != 1000 {
		return fmt.Errorf("smoke failed: state=%s payee balance=%d", got.State, bal.Amount)
	}
	fmt.Printf("smoke passed: escrow %s completed, payee holds %d USD\n", es.ID, bal.Amount)
	return nil
}
