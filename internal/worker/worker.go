// Package worker runs the periodic scheduling jobs for every practice: the
// nightly no-show risk refresh and the waitlist scan.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harmony/dental/internal/platform/telemetry"
)

// Job names accepted by RunOnce.
const (
	JobRiskRecompute = "risk_recompute"
	JobWaitlistScan  = "waitlist_scan"
)

// Jobs is implemented by *scheduling.Service.
type Jobs interface {
	RecomputeRisks(ctx context.Context) (int, error)
	ScanWaitlist(ctx context.Context) (int, error)
}

// TenantLister returns the practices to run against.
type TenantLister func(ctx context.Context) ([]string, error)

// TenantScope runs fn with ctx scoped to one practice's schema.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

type Config struct {
	RiskSchedule     string
	WaitlistSchedule string
	Location         *time.Location
	// JobTimeout bounds one job across all practices.
	JobTimeout time.Duration
}

type Worker struct {
	cron    *cron.Cron
	jobs    map[string]func(ctx context.Context) (int, error)
	tenants TenantLister
	scope   TenantScope
	timeout time.Duration
	logger  zerolog.Logger
}

func New(cfg Config, jobs Jobs, tenants TenantLister, scope TenantScope, logger zerolog.Logger) (*Worker, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	logger = logger.With().Str("component", "worker").Logger()
	cl := cronLogger{logger}

	w := &Worker{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: map[string]func(ctx context.Context) (int, error){
			JobRiskRecompute: jobs.RecomputeRisks,
			JobWaitlistScan:  jobs.ScanWaitlist,
		},
		tenants: tenants,
		scope:   scope,
		timeout: cfg.JobTimeout,
		logger:  logger,
	}

	for name, spec := range map[string]string{
		JobRiskRecompute: cfg.RiskSchedule,
		JobWaitlistScan:  cfg.WaitlistSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := w.cron.AddFunc(spec, w.scheduled(name)); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		logger.Info().Str("job", name).Str("schedule", spec).Msg("job scheduled")
	}
	return w, nil
}

func (w *Worker) scheduled(name string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.RunOnce(ctx, name); err != nil {
			w.logger.Error().Err(err).Str("job", name).Msg("job failed")
		}
	}
}

func (w *Worker) Start() {
	w.cron.Start()
}

// Stop waits for running jobs to finish or ctx to expire.
func (w *Worker) Stop(ctx context.Context) error {
	select {
	case <-w.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs the named job for every practice. A failing practice does not
// stop the others; their errors are joined.
func (w *Worker) RunOnce(ctx context.Context, name string) error {
	job, ok := w.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	ctx, span := telemetry.StartSpan(ctx, "worker."+name)
	defer span.End()

	tenants, err := w.tenants(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("list tenants: %w", err)
	}
	span.SetAttributes(attribute.Int("tenants", len(tenants)))

	var errs []error
	for _, tenant := range tenants {
		start := time.Now()
		err := w.scope(ctx, tenant, func(ctx context.Context) error {
			n, err := job(ctx)
			w.logger.Info().Str("job", name).Str("tenant", tenant).Int("count", n).
				Dur("duration", time.Since(start)).Msg("job finished")
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	err = errors.Join(errs...)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
