// Package scheduler drives the periodic jobs: dunning ticks,
// installment collection and exchange rate refresh. Jobs take a
// cluster-wide advisory lock so only one replica runs each at a time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	exchangeratedomain "github.com/smallbiznis/ledgerline/internal/exchangerate/domain"
	"github.com/smallbiznis/ledgerline/internal/observability/metrics"
	plandomain "github.com/smallbiznis/ledgerline/internal/paymentplan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobDunningTick     = "dunning_tick"
	JobInstallmentsDue = "installments_due"
	JobRateRefresh     = "rate_refresh"

	lockTTL = 10 * time.Minute
)

type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Locker *Locker `optional:"true"`

	DunningSvc dunningdomain.Service
	PlanSvc    plandomain.Service
	RateSvc    exchangeratedomain.Service
}

type Scheduler struct {
	log    *zap.Logger
	locker *Locker
	cron   *cron.Cron
	jobs   []Job
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:    p.Log.Named("scheduler"),
		locker: p.Locker,
		cron:   cron.New(),
		jobs: []Job{
			{Name: JobDunningTick, Spec: "0 6 * * *", Run: p.DunningSvc.Tick},
			{Name: JobInstallmentsDue, Spec: "0 * * * *", Run: p.PlanSvc.ProcessDue},
			{Name: JobRateRefresh, Spec: "30 5 * * *", Run: p.RateSvc.Refresh},
		},
	}
}

func (s *Scheduler) Jobs() []Job { return s.jobs }

// RunJob executes one job by name under the advisory lock; a held
// lock elsewhere is a clean skip, not an error.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.execute(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	key := "ledgerline:job:" + job.Name
	token, acquired, err := s.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		s.log.Debug("job lock held elsewhere, skipping", zap.String("job", job.Name))
		return nil
	}
	defer func() {
		if err := s.locker.Release(ctx, key, token); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", job.Name), zap.Error(err))
		}
	}()

	start := time.Now()
	metrics.IncJobRun(job.Name)
	processed, err := job.Run(ctx)
	metrics.ObserveJobDuration(job.Name, time.Since(start))
	if err != nil {
		metrics.IncJobError(job.Name)
		s.log.Error("job failed",
			zap.String("job", job.Name),
			zap.Int("processed", processed),
			zap.Error(err),
		)
		return err
	}
	s.log.Info("job finished",
		zap.String("job", job.Name),
		zap.Int("processed", processed),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Start registers every job with cron and begins scheduling.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		job := job
		_, err := s.cron.AddFunc(job.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
			defer cancel()
			_ = s.execute(ctx, job)
		})
		if err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
