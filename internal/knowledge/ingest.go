package knowledge

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/medchat/internal/common"
)

type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type JobPublisher interface {
	PublishIngest(ctx context.Context, jobID string) error
}

// Ingestor archives uploaded files and turns queued ingest jobs into
// resources. blobs and pub may be nil when archiving or async ingestion is
// not configured.
type Ingestor struct {
	svc   *Service
	repo  *Repo
	blobs BlobStore
	pub   JobPublisher
	log   zerolog.Logger
}

func NewIngestor(svc *Service, repo *Repo, blobs BlobStore, pub JobPublisher, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		svc:   svc,
		repo:  repo,
		blobs: blobs,
		pub:   pub,
		log:   log.With().Str("component", "ingest").Logger(),
	}
}

func (in *Ingestor) AsyncEnabled() bool {
	return in.blobs != nil && in.pub != nil
}

func blobKey(id, filename string) string {
	name := filepath.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("collections/%s/%s", id, name)
}

// Archive stores the original upload when a blob store is configured and
// returns its key, or "" when it is not.
func (in *Ingestor) Archive(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if in.blobs == nil {
		return "", nil
	}
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	key := blobKey(id, filename)
	if err := in.blobs.Put(ctx, key, contentType, data); err != nil {
		return "", fmt.Errorf("archive upload: %w", err)
	}
	return key, nil
}

// Enqueue records an ingest job, uploads the file and publishes the job. A
// repeated idempotency key from the same creator returns the existing job
// with created=false and publishes nothing.
func (in *Ingestor) Enqueue(ctx context.Context, createdBy, filename, contentType string, data []byte, idempotencyKey string) (job *IngestJob, created bool, err error) {
	if !in.AsyncEnabled() {
		return nil, false, ErrAsyncDisabled
	}
	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	var keyPtr *string
	if idempotencyKey != "" {
		keyPtr = &idempotencyKey
	}
	j := &IngestJob{
		ID:             jobID,
		CreatedBy:      createdBy,
		Filename:       filepath.Base(filename),
		ContentType:    contentType,
		BlobKey:        blobKey(jobID, filename),
		IdempotencyKey: keyPtr,
		Status:         JobQueued,
	}
	job, created, err = in.repo.CreateJobOrGetExisting(ctx, j)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	if err := in.blobs.Put(ctx, job.BlobKey, contentType, data); err != nil {
		_ = in.repo.MarkJobFailed(ctx, job.ID, "upload failed")
		return nil, false, fmt.Errorf("upload %s: %w", job.BlobKey, err)
	}
	if err := in.pub.PublishIngest(ctx, job.ID); err != nil {
		_ = in.repo.MarkJobFailed(ctx, job.ID, "enqueue failed")
		return nil, false, fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return job, true, nil
}

// GetJob returns the job if createdBy created it. Other creators get
// ErrJobNotFound.
func (in *Ingestor) GetJob(ctx context.Context, id, createdBy string) (*IngestJob, error) {
	j, err := in.repo.GetJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.CreatedBy != createdBy {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Process runs one ingest job. Jobs that already finished are skipped, so
// redeliveries are harmless. A failure marks the job failed when final is
// set and puts it back to queued otherwise, so the next delivery runs it.
func (in *Ingestor) Process(ctx context.Context, jobID string, final bool) error {
	if in.blobs == nil {
		return ErrAsyncDisabled
	}
	moved, err := in.repo.MarkJobRunning(ctx, jobID)
	if err != nil {
		return err
	}
	j, err := in.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !moved && (j.Status == JobSucceeded || j.Status == JobFailed) {
		in.log.Info().Str("job_id", jobID).Str("status", string(j.Status)).Msg("job already finished, skipping")
		return nil
	}

	res, err := in.ingest(ctx, j)
	if err != nil {
		if final || IsPermanent(err) {
			_ = in.repo.MarkJobFailed(ctx, jobID, err.Error())
		} else {
			_ = in.repo.MarkJobRequeued(ctx, jobID, err.Error())
		}
		return err
	}
	return in.repo.MarkJobSucceeded(ctx, jobID, res.ID)
}

func (in *Ingestor) ingest(ctx context.Context, j *IngestJob) (*Resource, error) {
	data, err := in.blobs.Get(ctx, j.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", j.BlobKey, err)
	}
	text, err := ExtractText(j.Filename, j.ContentType, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	return in.svc.CreateResource(ctx, text)
}
