package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"escrowd.org/internal/config"
	"escrowd.org/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a config file (yaml, json or toml)",
	EnvVars: []string{"ESCROWD_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:    "escrowd",
		Usage:   "Escrow workflow engine",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags:   []cli.Flag{configFlag},
		Commands: append(
			cli.Commands{},
			serveCmd,
			migrateCmd,
			smokeCmd,
			tokenCmd,
		),
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("escrowd failed")
	}
}

// loadConfig reads the config and applies its logging settings.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if err := obs.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	return cfg, nil
}
