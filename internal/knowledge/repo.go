package knowledge

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// CreateResource inserts the resource and its embeddings atomically.
func (r *Repo) CreateResource(ctx context.Context, res *Resource, embeddings []Embedding) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(res).Error; err != nil {
			return err
		}
		if len(embeddings) == 0 {
			return nil
		}
		return tx.CreateInBatches(embeddings, 100).Error
	})
}

// ListResources returns resources newest first.
func (r *Repo) ListResources(ctx context.Context) ([]Resource, error) {
	var out []Resource
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResource removes the resource's embeddings and then the resource.
// It reports whether a resource row was deleted.
func (r *Repo) DeleteResource(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("resource_id = ?", id).Delete(&Embedding{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Resource{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *IngestJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*IngestJob, error) {
	var j IngestJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// MarkJobRunning moves a queued job to running. It reports false when the
// job was not queued, e.g. on a redelivery of a finished job.
func (r *Repo) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, resourceID string) error {
	return r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      JobSucceeded,
			"resource_id": resourceID,
			"error":       nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      JobFailed,
			"error":       errMsg,
			"resource_id": nil,
		}).Error
}

// MarkJobRequeued returns a running job to queued and keeps the last error.
func (r *Repo) MarkJobRequeued(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Updates(map[string]any{
			"status": JobQueued,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByCreatorAndIdempotencyKey(ctx context.Context, createdBy string, key string) (*IngestJob, error) {
	var job IngestJob
	err := r.db.WithContext(ctx).
		Where("created_by = ? AND idempotency_key = ?", createdBy, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (created_by, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *IngestJob) (*IngestJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByCreatorAndIdempotencyKey(ctx, job.CreatedBy, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
