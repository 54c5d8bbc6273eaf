package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/example/yolo-explorer/internal/detector"
	"github.com/example/yolo-explorer/internal/domain"
)

// Metrics holds in-process counters for the upload pipeline.
type Metrics struct {
	requests            atomic.Int64
	successes           atomic.Int64
	storageFailures     atomic.Int64
	processFailures     atomic.Int64
	outputFailures      atomic.Int64
	persistenceFailures atomic.Int64
	busyRejections      atomic.Int64
	detectionCount      atomic.Int64
	detectionNanos      atomic.Int64
}

func (m *Metrics) requestStarted()   { m.requests.Add(1) }
func (m *Metrics) requestSucceeded() { m.successes.Add(1) }

func (m *Metrics) observeDetection(d time.Duration) {
	m.detectionCount.Add(1)
	m.detectionNanos.Add(int64(d))
}

func (m *Metrics) requestFailed(err error) {
	switch {
	case errors.Is(err, domain.ErrStorageWrite):
		m.storageFailures.Add(1)
	case errors.Is(err, domain.ErrDetectorBusy):
		m.busyRejections.Add(1)
	case errors.Is(err, domain.ErrDetectionProcess):
		m.processFailures.Add(1)
	case errors.Is(err, domain.ErrDetectionOutput):
		m.outputFailures.Add(1)
	case errors.Is(err, domain.ErrPersistence):
		m.persistenceFailures.Add(1)
	}
}

// FailureCounts breaks failed uploads down by error class.
type FailureCounts struct {
	StorageWrite     int64 `json:"storage_write"`
	DetectionProcess int64 `json:"detection_process"`
	DetectionOutput  int64 `json:"detection_output"`
	Persistence      int64 `json:"persistence"`
	DetectorBusy     int64 `json:"detector_busy"`
}

// MetricsSummary represents aggregated pipeline insights.
type MetricsSummary struct {
	TotalRequests             int64               `json:"total_requests"`
	SuccessfulRequests        int64               `json:"successful_requests"`
	SuccessRate               float64             `json:"success_rate"`
	Failures                  FailureCounts       `json:"failures"`
	AverageDetectionLatencyMs float64             `json:"average_detection_latency_ms"`
	StoredRecords             int64               `json:"stored_records"`
	Detector                  *detector.GateStats `json:"detector,omitempty"`
}

// GetMetricsSummary combines in-process counters with the persisted record count.
func (uc *DetectionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	stored, err := uc.repo.Count(ctx)
	if err != nil {
		return nil, err
	}

	m := uc.metrics
	summary := &MetricsSummary{
		TotalRequests:      m.requests.Load(),
		SuccessfulRequests: m.successes.Load(),
		Failures: FailureCounts{
			StorageWrite:     m.storageFailures.Load(),
			DetectionProcess: m.processFailures.Load(),
			DetectionOutput:  m.outputFailures.Load(),
			Persistence:      m.persistenceFailures.Load(),
			DetectorBusy:     m.busyRejections.Load(),
		},
		StoredRecords: stored,
	}

	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRequests) / float64(summary.TotalRequests)
	}
	if n := m.detectionCount.Load(); n > 0 {
		summary.AverageDetectionLatencyMs = float64(m.detectionNanos.Load()) / float64(n) / float64(time.Millisecond)
	}
	if g, ok := uc.detector.(interface{ Stats() detector.GateStats }); ok {
		stats := g.Stats()
		summary.Detector = &stats
	}

	return summary, nil
}
