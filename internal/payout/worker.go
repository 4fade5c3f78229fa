package payout

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"escrowd.org/internal/escrow"
	"escrowd.org/internal/obs"
)

// WorkerConfig sizes the payout worker pool.
type WorkerConfig struct {
	Workers    int
	Batch      int
	Lease      time.Duration
	Interval   time.Duration
	RatePerSec float64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Batch <= 0 {
		c.Batch = 64
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	return c
}

// Worker drains due payout work items from the store.
type Worker struct {
	sched   *Scheduler
	store   escrow.Store
	cfg     WorkerConfig
	limiter *rate.Limiter
	now     func() time.Time
	log     *logrus.Entry
}

func NewWorker(s *Scheduler, store escrow.Store, cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		sched:   s,
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Workers),
		now:     s.machine.Now,
		log:     obs.Component("payout-worker"),
	}
}

// RunDue claims the items that are due now and executes them concurrently.
// It returns how many items were attempted. Transfer failures are recorded
// on the items themselves and are not returned.
func (w *Worker) RunDue(ctx context.Context) (int, error) {
	items, err := w.store.ClaimDue(ctx, w.now(), w.cfg.Batch, w.cfg.Lease)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, item := range items {
		g.Go(func() error {
			if err := w.limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := w.sched.Execute(gctx, item.Key)
			switch {
			case err == nil, errors.Is(err, ErrTransient), errors.Is(err, ErrPermanent):
				return nil
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				// left for the next sweep once the lease expires
				w.log.WithError(err).WithField("key", item.Key).Warn("payout execution failed")
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return len(items), err
	}
	return len(items), nil
}

// Run sweeps for due payouts every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(w.cfg.Interval).SingletonMode().Do(func() {
		n, err := w.RunDue(ctx)
		if err != nil {
			w.log.WithError(err).Warn("payout sweep failed")
			return
		}
		if n > 0 {
			w.log.WithField("items", n).Debug("payout sweep")
		}
	})
	if err != nil {
		return err
	}
	s.StartAsync()
	w.log.WithField("interval", w.cfg.Interval.String()).Info("payout worker started")
	<-ctx.Done()
	s.Stop()
	w.log.Info("payout worker stopped")
	return nil
}
