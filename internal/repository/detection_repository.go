package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/yolo-explorer/internal/domain"
	"github.com/example/yolo-explorer/internal/logging"
	"github.com/example/yolo-explorer/internal/retry"
)

// DetectionRecordModel is the persisted form of a detection record.
type DetectionRecordModel struct {
	ID         string                                `gorm:"column:id;primaryKey;size:36"`
	ImagePath  string                                `gorm:"column:image_path;size:1024;not null"`
	Detections datatypes.JSONSlice[domain.Detection] `gorm:"column:detections;not null"`
	Timestamp  time.Time                             `gorm:"column:timestamp;not null;index"`
}

// TableName overrides the default table name.
func (DetectionRecordModel) TableName() string {
	return "detection_records"
}

// DetectionRepository is the append-only store of detection records.
type DetectionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
	now    func() time.Time
}

// NewDetectionRepository creates a repository backed by db.
func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:     db,
		logger: logger.Named("detection_repository"),
		retry:  retry.DefaultPolicy,
		now:    time.Now,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&DetectionRecordModel{})
}

// Save inserts record, filling in ID and Timestamp when unset.
// Failures wrap domain.ErrPersistence.
func (r *DetectionRepository) Save(ctx context.Context, record *domain.DetectionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = r.now().UTC()
	}
	if record.Detections == nil {
		record.Detections = []domain.Detection{}
	}

	model := &DetectionRecordModel{
		ID:         record.ID,
		ImagePath:  record.ImagePath,
		Detections: datatypes.NewJSONSlice(record.Detections),
		Timestamp:  record.Timestamp,
	}

	requestID := logging.RequestIDFromContext(ctx)
	attempt := 0
	err := r.executeWithRetry(ctx, "repository.save", requestID, func() error {
		attempt++
		err := r.db.WithContext(ctx).Create(model).Error
		if err != nil && attempt > 1 && r.alreadyStored(ctx, model) {
			r.logger.Info("insert committed before transient failure",
				zap.String("record_id", model.ID),
				zap.String("request_id", requestID),
			)
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// FindByID returns the record with id or domain.ErrRecordNotFound.
func (r *DetectionRepository) FindByID(ctx context.Context, id string) (*domain.DetectionRecord, error) {
	var model DetectionRecordModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find detection record %s: %w", id, err)
	}
	record := model.toDomain()
	return &record, nil
}

// List returns records newest first.
func (r *DetectionRepository) List(ctx context.Context, limit, offset int) ([]domain.DetectionRecord, error) {
	var models []DetectionRecordModel
	err := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list detection records: %w", err)
	}

	records := make([]domain.DetectionRecord, 0, len(models))
	for _, m := range models {
		records = append(records, m.toDomain())
	}
	return records, nil
}

// Count returns the number of stored records.
func (r *DetectionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&DetectionRecordModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count detection records: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (r *DetectionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// executeWithRetry retries fn on transient errors. A retried insert can hit its own
// earlier commit when the driver reported a timeout after the row was written, so
// Save checks for that row before treating a retry failure as final.
func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, requestID, fn)
}

// alreadyStored reports whether the row for model exists with the same image path.
func (r *DetectionRepository) alreadyStored(ctx context.Context, model *DetectionRecordModel) bool {
	var existing DetectionRecordModel
	if err := r.db.WithContext(ctx).First(&existing, "id = ?", model.ID).Error; err != nil {
		return false
	}
	return existing.ImagePath == model.ImagePath
}

func (m DetectionRecordModel) toDomain() domain.DetectionRecord {
	detections := []domain.Detection(m.Detections)
	if detections == nil {
		detections = []domain.Detection{}
	}
	return domain.DetectionRecord{
		ID:         m.ID,
		ImagePath:  m.ImagePath,
		Detections: detections,
		Timestamp:  m.Timestamp.UTC(),
	}
}
