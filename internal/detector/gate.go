package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/yolo-explorer/internal/domain"
)

// GateConfig bounds detector usage.
type GateConfig struct {
	MaxConcurrent int
	// QueueTimeout is how long a caller may wait for a free slot.
	QueueTimeout time.Duration
	// RunTimeout limits a single admitted detection.
	RunTimeout time.Duration
}

// Gate admits at most MaxConcurrent detections at a time and queues the rest.
type Gate struct {
	next     Detector
	sem      *semaphore.Weighted
	cfg      GateConfig
	inFlight atomic.Int64
	queued   atomic.Int64
	rejected atomic.Int64
	logger   *zap.Logger
}

// NewGate wraps next with admission control.
func NewGate(next Detector, cfg GateConfig, logger *zap.Logger) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Gate{
		next:   next,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:    cfg,
		logger: logger.Named("detector_gate"),
	}
}

// Detect waits for a slot, then runs the wrapped detector under RunTimeout.
func (g *Gate) Detect(ctx context.Context, imagePath string) ([]domain.Detection, error) {
	waitCtx := ctx
	if g.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.QueueTimeout)
		defer cancel()
	}

	g.queued.Add(1)
	err := g.sem.Acquire(waitCtx, 1)
	g.queued.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ProcessError{ImagePath: imagePath, ExitCode: -1, Err: ctx.Err()}
		}
		g.rejected.Add(1)
		g.logger.Warn("detector queue timeout",
			zap.String("image_path", imagePath),
			zap.Duration("queue_timeout", g.cfg.QueueTimeout),
		)
		return nil, fmt.Errorf("%w: waited %s for a free slot", domain.ErrDetectorBusy, g.cfg.QueueTimeout)
	}
	defer g.sem.Release(1)

	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	runCtx := ctx
	if g.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.cfg.RunTimeout)
		defer cancel()
	}

	detections, err := g.next.Detect(runCtx, imagePath)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, domain.ErrDetectionTimeout) {
		return nil, &ProcessError{ImagePath: imagePath, ExitCode: -1, Err: domain.ErrDetectionTimeout}
	}
	return detections, err
}

// GateStats is a point-in-time snapshot of gate usage.
type GateStats struct {
	Capacity int   `json:"capacity"`
	InFlight int64 `json:"in_flight"`
	Queued   int64 `json:"queued"`
	Rejected int64 `json:"rejected"`
}

// Stats reports current gate usage.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Capacity: g.cfg.MaxConcurrent,
		InFlight: g.inFlight.Load(),
		Queued:   g.queued.Load(),
		Rejected: g.rejected.Load(),
	}
}
