package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"escrowd.org/internal/auth"
)

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "Issue a bearer token",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "subject", Usage: "party or operator id", Required: true},
		&cli.StringFlag{Name: "role", Usage: "payer, payee, admin or system", Value: auth.RoleAdmin},
		&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: time.Hour},
	},
	Action: tokenAction,
}

func tokenAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}
	tok, err := auth.GenerateToken(c.String("subject"), c.String("role"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
