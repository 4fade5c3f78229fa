package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"escrowd.org/internal/migrate"
	"escrowd.org/internal/store/pg"
)

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Manage the PostgreSQL schema",
	Subcommands: append(
		cli.Commands{},
		&cli.Command{Name: "up", Usage: "Apply pending migrations", Action: migrateAction("up")},
		&cli.Command{Name: "down", Usage: "Revert the latest migration", Action: migrateAction("down")},
		&cli.Command{Name: "status", Usage: "List applied and pending migrations", Action: migrateAction("status")},
	),
}

func migrateAction(op string) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if cfg.PgDSN == "" {
			return errors.New("missing DSN: set ESCROWD_PG_DSN")
		}
		store, err := pg.Open(cfg.PgDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(c.Context, time.Minute)
		defer cancel()
		mgr := migrate.NewManager(store.DB(), pg.Migrations, pg.MigrationsDir)

		switch op {
		case "up":
			applied, err := mgr.Up(ctx)
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			return err
		case "down":
			name, err := mgr.Down(ctx)
			if errors.Is(err, migrate.ErrNothingToRollback) {
				fmt.Println("nothing to roll back")
				return nil
			}
			if err == nil {
				fmt.Println("reverted", name)
			}
			return err
		default:
			st, err := mgr.Status(ctx)
			if err != nil {
				return err
			}
			for _, name := range st.Applied {
				fmt.Println("applied ", name)
			}
			for _, name := range st.Pending {
				fmt.Println("pending ", name)
			}
			return nil
		}
	}
}
