package bulk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/clients"
	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/metrics"
)

// PollerConfig controls the poll loop.
type PollerConfig struct {
	// InitialInterval is the first poll delay.
	InitialInterval time.Duration
	// MaxInterval caps the growing poll delay.
	MaxInterval time.Duration
	// GrowthFactor multiplies the interval after every iteration,
	// regardless of whether the status changed. This bounds polling
	// overhead on long jobs and keeps short jobs responsive.
	GrowthFactor float64
	// Timeout is the hard wall-clock budget for observing a terminal
	// state. It is never extended by retries.
	Timeout time.Duration
}

// DefaultPollerConfig returns the polling defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		GrowthFactor:    1.5,
		Timeout:         2 * time.Hour,
	}
}

// Poller drives a launched bulk job to a terminal outcome.
type Poller struct {
	transport clients.QueryTransport
	throttle  *clients.Throttle
	cfg       PollerConfig
	logger    *zap.Logger
}

// NewPoller creates a poller over the given transport and throttle.
func NewPoller(transport clients.QueryTransport, throttle *clients.Throttle, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultPollerConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultPollerConfig().MaxInterval
	}
	if cfg.GrowthFactor < 1.0 {
		cfg.GrowthFactor = DefaultPollerConfig().GrowthFactor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollerConfig().Timeout
	}
	return &Poller{
		transport: transport,
		throttle:  throttle,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "poller")),
	}
}

// Wait polls the job until it reaches a terminal state.
//
// COMPLETED returns the job with its result location. FAILED, CANCELED and
// EXPIRED fail with a job_terminated error. If the wall-clock budget runs
// out before any terminal state is observed, Wait fails with poll_timeout,
// distinct from job_terminated because the remote job may still be running.
func (p *Poller) Wait(ctx context.Context, jobID string) (*Job, error) {
	start := time.Now()
	interval := p.cfg.InitialInterval
	lastStatus := Status("")
	logger := p.logger.With(zap.String("job_id", jobID))

	for {
		job, err := fetchJob(ctx, p.transport, p.throttle, jobID)
		if err != nil {
			return nil, err
		}

		if job.Status != lastStatus {
			logger.Info("bulk job status changed",
				zap.String("from", string(lastStatus)),
				zap.String("to", string(job.Status)),
				zap.Int64("object_count", job.ObjectCount))
			metrics.PollTransitions.WithLabelValues(string(job.Status)).Inc()
			lastStatus = job.Status
		}

		switch job.Status {
		case StatusCompleted:
			return job, nil
		case StatusFailed, StatusCanceled, StatusExpired:
			return nil, errors.Newf(errors.ErrorTypeJobTerminated, "bulk job ended in state %s", job.Status).
				WithDetail("job_id", job.ID).
				WithDetail("error_code", job.ErrorCode)
		}

		if time.Since(start) >= p.cfg.Timeout {
			return nil, errors.Newf(errors.ErrorTypePollTimeout, "no terminal state within %s", p.cfg.Timeout).
				WithDetail("job_id", jobID).
				WithDetail("last_status", string(job.Status))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * p.cfg.GrowthFactor)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}
