package pg_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/engine"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/migrate"
	"escrowd.org/internal/milestone"
	"escrowd.org/internal/payout"
	"escrowd.org/internal/store/pg"
)

// startPostgres returns a migrated store. ESCROWD_IT_PG_DSN reuses an
// existing database instead of starting a container.
func startPostgres(t *testing.T) *pg.Store {
	t.Helper()
	if os.Getenv("ESCROWD_IT_POSTGRES") != "1" {
		t.Skip("set ESCROWD_IT_POSTGRES=1 to run Postgres integration tests")
	}
	ctx := context.Background()
	dsn := os.Getenv("ESCROWD_IT_PG_DSN")
	if dsn == "" {
		c, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("escrowd"),
			postgres.WithUsername("escrowd"),
			postgres.WithPassword("escrowd"),
			postgres.BasicWaitStrategies(),
		)
		testcontainers.CleanupContainer(t, c)
		require.NoError(t, err)
		dsn, err = c.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}
	st, err := pg.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = migrate.NewManager(st.DB(), pg.Migrations, pg.MigrationsDir).Up(ctx)
	require.NoError(t, err)
	return st
}

func TestPostgresScenarioA(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	gw := payout.NewFakeGateway()
	e := engine.New(st, gw, engine.Options{})
	payer := audit.Actor{ID: "payer-it", Type: audit.ActorPayer}
	payee := audit.Actor{ID: "payee-it", Type: audit.ActorPayee}

	es, err := e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: payer.ID, PayeeID: payee.ID, Amount: 1000, Currency: "KZT"}, payer)
	require.NoError(t, err)
	_, err = e.Fund(ctx, es.ID, "", payer)
	require.NoError(t, err)
	_, err = e.StartWork(ctx, es.ID, payer)
	require.NoError(t, err)

	var ids []string
	for _, amt := range []int64{400, 600} {
		m, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "part", Amount: amt, DueDate: time.Now().Add(24 * time.Hour)}, payer)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	for _, id := range ids {
		_, err = e.Milestones().SubmitMilestone(ctx, es.ID, id, []string{"proof"}, payee)
		require.NoError(t, err)
		_, err = e.Milestones().ApproveMilestone(ctx, es.ID, id, payer)
		require.NoError(t, err)
	}
	_, err = e.Worker().RunDue(ctx)
	require.NoError(t, err)

	got, err := e.Get(ctx, es.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCompleted, got.State)
	require.EqualValues(t, 1000, gw.TotalTo(payee.ID))

	var steps []escrow.Step
	for entry, err := range e.AuditTrail(ctx, es.ID) {
		require.NoError(t, err)
		if entry.ToState != "" {
			steps = append(steps, escrow.Step{From: escrow.State(entry.FromState), To: escrow.State(entry.ToState)})
		}
	}
	require.NoError(t, escrow.ValidWalk(steps))
}

func TestPostgresConcurrentApprovalPaysOnce(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	gw := payout.NewFakeGateway()
	e := engine.New(st, gw, engine.Options{MaxRetries: 5})
	payer := audit.Actor{ID: "payer-it", Type: audit.ActorPayer}
	payee := audit.Actor{ID: "payee-it", Type: audit.ActorPayee}

	es, err := e.CreateEscrow(ctx, escrow.NewEscrow{PayerID: payer.ID, PayeeID: payee.ID, Amount: 500, Currency: "KZT"}, payer)
	require.NoError(t, err)
	_, err = e.Fund(ctx, es.ID, "", payer)
	require.NoError(t, err)
	_, err = e.StartWork(ctx, es.ID, payer)
	require.NoError(t, err)
	m, err := e.Milestones().CreateMilestone(ctx, es.ID, milestone.NewMilestone{Title: "all", Amount: 500}, payer)
	require.NoError(t, err)
	_, err = e.Milestones().SubmitMilestone(ctx, es.ID, m.ID, nil, payee)
	require.NoError(t, err)

	var g errgroup.Group
	wins := make(chan struct{}, 8)
	for range 8 {
		g.Go(func() error {
			if _, err := e.Milestones().ApproveMilestone(ctx, es.ID, m.ID, payer); err == nil {
				wins <- struct{}{}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(wins)
	require.Len(t, wins, 1)

	var workers errgroup.Group
	for range 3 {
		workers.Go(func() error {
			_, err := e.Worker().RunDue(ctx)
			return err
		})
	}
	require.NoError(t, workers.Wait())
	require.EqualValues(t, 500, gw.TotalTo(payee.ID))
	require.Len(t, gw.Transfers(), 1)
}
