package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"escrowd.org/internal/auth"
	"escrowd.org/internal/config"
	"escrowd.org/internal/engine"
	"escrowd.org/internal/escrow"
	"escrowd.org/internal/httpapi"
	"escrowd.org/internal/ledger"
	"escrowd.org/internal/notify"
	"escrowd.org/internal/obs"
	"escrowd.org/internal/payout"
	"escrowd.org/internal/store/pg"
	"escrowd.org/internal/stream"
)

var serveCmd = &cli.Command{
	Name:   "serve",
	Usage:  "Run the HTTP API, gRPC health service and payout worker",
	Action: serveAction,
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := obs.Component("serve")
	obs.Init()
	obs.InitBuildInfo(version, commit)
	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}
	log.WithField("config", cfg.String()).Info("configuration loaded")

	var (
		store escrow.Store
		probe httpapi.ReadyProbe
	)
	if cfg.PgDSN != "" {
		pgs, err := pg.Open(cfg.PgDSN)
		if err != nil {
			return err
		}
		defer pgs.Close()
		store, probe = pgs, httpapi.ReadyProbe{DB: pgs.DB()}
	} else {
		log.Warn("no PG_DSN configured; escrows are kept in memory")
		store = escrow.NewInMemory()
	}

	gw, funder := gateway(cfg)
	st := stream.New()
	dispatcher := notify.NewDispatcher(0, sinks(cfg)...)
	dispatcher.Start()
	defer dispatcher.Close()
	notifiers := notify.Fanout{dispatcher, st}
	if funder != nil {
		notifiers = append(notifiers, funder)
	}

	eng := engine.New(store, gw, engine.Options{
		MaxRetries:  cfg.MaxRetries,
		PayoutDelay: cfg.PayoutDelay,
		Notifier:    notifiers,
		Payout: payout.Config{
			MaxAttempts: cfg.PayoutMaxAttempts,
			BaseBackoff: cfg.PayoutBaseBackoff,
			MaxBackoff:  cfg.PayoutMaxBackoff,
			Timeout:     cfg.PayoutGatewayTimeout,
		},
		Worker: payout.WorkerConfig{
			Workers:    cfg.PayoutWorkers,
			Interval:   cfg.PayoutSweepInterval,
			RatePerSec: cfg.PayoutRatePerSec,
		},
	})

	api := httpapi.New(probe, version, eng, st, httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe, version)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", lis.Addr().String()).Info("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		health.Watch(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		return eng.Worker().Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

// gateway picks the payment rail. Without an external gateway payouts settle
// on an in-process ledger whose vault is credited as escrows are funded.
func gateway(cfg *config.Config) (payout.Gateway, escrow.Notifier) {
	if cfg.PayoutGatewayURL != "" {
		return payout.NewHTTPGateway(cfg.PayoutGatewayURL, cfg.PayoutGatewayToken, cfg.PayoutGatewayTimeout), nil
	}
	lg := &payout.LedgerGateway{Book: ledger.NewInMemory(), Vault: "escrow-vault"}
	return lg, lg
}

func sinks(cfg *config.Config) []notify.Sink {
	out := []notify.Sink{notify.LogSink{}}
	if cfg.NotifyWebhookURL != "" {
		out = append(out, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
	}
	return out
}
