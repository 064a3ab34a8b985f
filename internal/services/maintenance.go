package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/soochol/exectrack/internal/exectrack/ports"
)

// MaintenanceOptions configures the periodic history jobs.
type MaintenanceOptions struct {
	// FlushCron is a 5- or 6-field cron expression. Empty disables the job.
	FlushCron   string
	RegistryTTL time.Duration
	TrackerTTL  time.Duration
	JobTimeout  time.Duration
}

// Maintenance periodically prunes expired history entries and flushes the
// registry and tracker histories to storage.
type Maintenance struct {
	cron     *cron.Cron
	schedule cron.Schedule
	registry ports.HistoryMaintainer
	tracker  ports.HistoryMaintainer
	opts     MaintenanceOptions
	now      func() time.Time
}

// NewMaintenance validates the cron expression and prepares the scheduler.
func NewMaintenance(registry, tracker ports.HistoryMaintainer, opts MaintenanceOptions) (*Maintenance, error) {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	m := &Maintenance{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		tracker:  tracker,
		opts:     opts,
		now:      time.Now,
	}
	if opts.FlushCron != "" {
		sched, err := parseCronExpr(opts.FlushCron)
		if err != nil {
			return nil, fmt.Errorf("invalid flush cron %q: %w", opts.FlushCron, err)
		}
		m.schedule = sched
	}
	return m, nil
}

// parseCronExpr tries 6-field (with seconds) then 5-field (standard) parsing.
func parseCronExpr(expr string) (cron.Schedule, error) {
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser6.Parse(expr)
	if err == nil {
		return sched, nil
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser5.Parse(expr)
}

// Start schedules the job and begins the cron loop.
func (m *Maintenance) Start() {
	if m.schedule != nil {
		m.cron.Schedule(m.schedule, cron.FuncJob(func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.JobTimeout)
			defer cancel()
			if err := m.RunOnce(ctx); err != nil {
				slog.Warn("maintenance: run failed", "err", err)
			}
		}))
		slog.Info("maintenance: registered flush job", "cron", m.opts.FlushCron)
	}
	m.cron.Start()
}

// Stop halts the scheduler and waits for a running job to return.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	slog.Info("maintenance: stopped")
}

// RunOnce prunes expired entries, then flushes both histories concurrently.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	now := m.now()
	if m.opts.RegistryTTL > 0 {
		m.registry.PruneHistory(ctx, now.Add(-m.opts.RegistryTTL))
	}
	if m.opts.TrackerTTL > 0 {
		m.tracker.PruneHistory(ctx, now.Add(-m.opts.TrackerTTL))
	}

	// One failed flush must not cancel the other.
	var g errgroup.Group
	g.Go(func() error {
		if err := m.registry.Flush(ctx); err != nil {
			return fmt.Errorf("flush registry: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.tracker.Flush(ctx); err != nil {
			return fmt.Errorf("flush tracker: %w", err)
		}
		return nil
	})
	return g.Wait()
}
