package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/yolo-explorer/internal/artifact"
	"github.com/example/yolo-explorer/internal/detector"
	"github.com/example/yolo-explorer/internal/domain"
	"github.com/example/yolo-explorer/internal/logging"
	"github.com/example/yolo-explorer/internal/retry"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ArtifactStore writes uploaded files.
type ArtifactStore interface {
	Store(ctx context.Context, fieldName, originalFilename string, data []byte) (*artifact.Artifact, error)
}

// RecordRepository defines the persistence operations needed by the use case.
type RecordRepository interface {
	Save(ctx context.Context, record *domain.DetectionRecord) error
	FindByID(ctx context.Context, id string) (*domain.DetectionRecord, error)
	List(ctx context.Context, limit, offset int) ([]domain.DetectionRecord, error)
	Count(ctx context.Context) (int64, error)
}

// DetectionUseCase runs the upload pipeline: store artifact, detect, persist.
type DetectionUseCase struct {
	store    ArtifactStore
	detector detector.Detector
	repo     RecordRepository
	cache    Cache
	cacheTTL time.Duration
	metrics  *Metrics
	retry    retry.Policy
	logger   *zap.Logger
}

// NewDetectionUseCase constructs a new use case instance.
// A nil cache disables record caching.
func NewDetectionUseCase(store ArtifactStore, det detector.Detector, repo RecordRepository, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *DetectionUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	return &DetectionUseCase{
		store:    store,
		detector: det,
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		metrics:  &Metrics{},
		retry:    retry.DefaultPolicy,
		logger:   logger.Named("detection_usecase"),
	}
}

// Detect stores the upload, runs the detector on it and persists the result.
// No record is written unless detection succeeded, and success is only
// returned once the record is durable.
func (uc *DetectionUseCase) Detect(ctx context.Context, upload domain.Upload) (*domain.DetectionRecord, error) {
	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = logging.ContextWithRequestID(ctx, requestID)
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID)

	if len(upload.Data) == 0 {
		return nil, logging.NewOperationError("usecase.validate_upload", requestID, domain.ErrNoFile)
	}

	uc.metrics.requestStarted()

	art, err := uc.store.Store(ctx, upload.FieldName, upload.Filename, upload.Data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.store_artifact", requestID, err)
		opLogger.Error("failed to store artifact", zap.Error(wrapped))
		uc.metrics.requestFailed(err)
		return nil, wrapped
	}
	opLogger = opLogger.With(zap.String("image_path", art.Path))

	started := time.Now()
	detections, err := uc.detector.Detect(ctx, art.FSPath)
	uc.metrics.observeDetection(time.Since(started))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.run_detector", requestID, err)
		opLogger.Error("detection failed", zap.Error(wrapped), zap.String("orphaned_artifact", art.Path))
		uc.metrics.requestFailed(err)
		return nil, wrapped
	}

	record := &domain.DetectionRecord{
		ImagePath:  art.Path,
		Detections: detections,
	}
	if err := uc.repo.Save(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist detection record", zap.Error(wrapped), zap.String("orphaned_artifact", art.Path))
		uc.metrics.requestFailed(err)
		return nil, wrapped
	}

	uc.cacheRecord(ctx, requestID, record)
	uc.metrics.requestSucceeded()

	opLogger.Info("detection completed",
		zap.String("record_id", record.ID),
		zap.Int("detections", len(record.Detections)),
	)
	return record, nil
}

// GetRecord returns a cached record or loads it from persistence.
func (uc *DetectionUseCase) GetRecord(ctx context.Context, id string) (*domain.DetectionRecord, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.get_record", requestID)

	var (
		cached string
		miss   bool
	)
	err := uc.retry.Do(ctx, uc.logger, "cache.get.record", requestID, func() error {
		value, err := uc.cache.Get(ctx, cacheKey(id))
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err != nil:
		opLogger.Warn("failed to read cache", zap.Error(err))
	case !miss:
		var record domain.DetectionRecord
		if err := json.Unmarshal([]byte(cached), &record); err == nil {
			return &record, nil
		}
		opLogger.Warn("failed to decode cached record", zap.String("record_id", id))
	}

	record, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	uc.cacheRecord(ctx, requestID, record)
	return record, nil
}

// ListRecords returns persisted records newest first.
// limit is clamped to [1, MaxListLimit]; zero means DefaultListLimit.
func (uc *DetectionUseCase) ListRecords(ctx context.Context, limit, offset int) ([]domain.DetectionRecord, error) {
	limit, offset = NormalizePage(limit, offset)
	records, err := uc.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_records", logging.RequestIDFromContext(ctx), err)
	}
	return records, nil
}

// cacheRecord is best-effort: the record is already durable.
func (uc *DetectionUseCase) cacheRecord(ctx context.Context, requestID string, record *domain.DetectionRecord) {
	serialized, err := json.Marshal(record)
	if err != nil {
		uc.logger.Warn("failed to serialize record for cache", zap.Error(err))
		return
	}
	err = uc.retry.Do(ctx, uc.logger, "cache.set.record", requestID, func() error {
		return uc.cache.Set(ctx, cacheKey(record.ID), string(serialized), uc.cacheTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_record", requestID).
			Warn("failed to cache detection record", zap.String("record_id", record.ID), zap.Error(err))
	}
}

// NormalizePage applies the paging bounds used by ListRecords.
func NormalizePage(limit, offset int) (int, int) {
	switch {
	case limit == 0:
		limit = DefaultListLimit
	case limit < 1:
		limit = 1
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cacheKey(id string) string {
	return fmt.Sprintf("detection:%s", id)
}
