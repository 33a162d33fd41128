package export

import (
	"context"
	"log"
	"time"
)

// SchedulerConfig configures the periodic export scheduler.
type SchedulerConfig struct {
	Exporter *Exporter
	Interval time.Duration
	Logger   *log.Logger
}

// Scheduler executes exports on a fixed cadence.
type Scheduler struct {
	exporter *Exporter
	interval time.Duration
	logger   *log.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		exporter: cfg.Exporter,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.exporter == nil {
		return
	}
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.exporter.Run(ctx); err != nil {
				s.logger.Printf("export scheduler run failed: %v", err)
			}
			timer.Reset(s.interval)
		}
	}
}
