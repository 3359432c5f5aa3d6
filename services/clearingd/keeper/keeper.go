// Package keeper runs the periodic clearinghouse chores: pulling collateral
// that vaults already owe the pool and refreshing the pool gauges.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/publu/spacecommand/native/clearing"
	"github.com/publu/spacecommand/observability/metrics"
)

const (
	JobCollect  = "collect"
	JobSnapshot = "snapshot"

	defaultTimeout = time.Minute
)

// Executor serialises access to the engine. The HTTP server implements it so
// keeper sweeps never interleave with client calls.
type Executor interface {
	Exec(fn func(*clearing.Engine) error) error
}

// Config holds the cron expressions (with a leading seconds field) for each
// job. An empty schedule disables the job.
type Config struct {
	CollectSchedule  string
	SnapshotSchedule string
	Timeout          time.Duration
}

// Keeper owns the cron scheduler.
type Keeper struct {
	cron    *cron.Cron
	exec    Executor
	metrics *metrics.Clearing
	logger  *slog.Logger
	timeout time.Duration
	ctx     context.Context

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// New registers the configured jobs. Jobs run with ctx as their parent and
// are skipped while a previous run of the same job is still in flight.
func New(ctx context.Context, cfg Config, exec Executor, m *metrics.Clearing, logger *slog.Logger) (*Keeper, error) {
	if exec == nil {
		return nil, errors.New("keeper: executor required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	k := &Keeper{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		exec:    exec,
		metrics: m,
		logger:  logger.With("component", "keeper"),
		timeout: cfg.Timeout,
		ctx:     ctx,
		tracer:  otel.Tracer("spacecommand/keeper"),
	}
	meter := otel.GetMeterProvider().Meter("spacecommand/keeper")
	hist, err := meter.Float64Histogram("spacecommand.keeper.job.duration", metric.WithUnit("s"))
	if err != nil {
		hist, _ = noop.NewMeterProvider().Meter("spacecommand/keeper").Float64Histogram("spacecommand.keeper.job.duration")
	}
	k.duration = hist
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{JobCollect, cfg.CollectSchedule, func(ctx context.Context) error { _, err := k.CollectAll(ctx); return err }},
		{JobSnapshot, cfg.SnapshotSchedule, func(ctx context.Context) error { _, err := k.Snapshot(ctx); return err }},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		job := job
		if _, err := k.cron.AddFunc(job.schedule, func() { k.run(job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("keeper: register %s job: %w", job.name, err)
		}
	}
	return k, nil
}

// Start launches the scheduler in its own goroutine.
func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info("keeper started", "jobs", len(k.cron.Entries()))
}

// Stop halts the scheduler and waits for running jobs to finish or ctx to
// expire.
func (k *Keeper) Stop(ctx context.Context) error {
	done := k.cron.Stop()
	select {
	case <-done.Done():
		k.logger.Info("keeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Keeper) run(job string, fn func(context.Context) error) {
	parent := k.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, k.timeout)
	defer cancel()
	ctx, span := k.tracer.Start(ctx, "keeper."+job, trace.WithAttributes(attribute.String("job", job)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	k.metrics.RecordKeeperRun(job, err)
	k.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("job", job)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		k.logger.Error("keeper job failed", "job", job, "error", err, "elapsed", elapsed)
		return
	}
	k.logger.Debug("keeper job finished", "job", job, "elapsed", elapsed)
}

// CollectAll pulls due collateral from every active vault. Vaults are
// collected one at a time so the engine is released between them. A failing
// vault does not stop the sweep; all failures are returned together.
func (k *Keeper) CollectAll(ctx context.Context) (map[common.Address]*big.Int, error) {
	var ids []common.Address
	err := k.exec.Exec(func(e *clearing.Engine) error {
		recs, err := e.Vaults()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Active() {
				ids = append(ids, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keeper: list vaults: %w", err)
	}

	collected := make(map[common.Address]*big.Int, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var amount *big.Int
		err := k.exec.Exec(func(e *clearing.Engine) (err error) {
			amount, err = e.CollectCollateral(ctx, id)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("keeper: collect %s: %w", id.Hex(), err))
			continue
		}
		collected[id] = amount
		if amount.Sign() > 0 {
			k.logger.Info("collected due collateral", "vault", id.Hex(), "amount", amount.String())
		}
	}
	return collected, errors.Join(errs...)
}

// Snapshot reads the pool state and publishes it to the gauges.
func (k *Keeper) Snapshot(ctx context.Context) (*clearing.PoolSnapshot, error) {
	var snap *clearing.PoolSnapshot
	err := k.exec.Exec(func(e *clearing.Engine) (err error) {
		snap, err = e.Snapshot(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("keeper: snapshot: %w", err)
	}
	k.metrics.ObserveSnapshot(snap)
	return snap, nil
}
