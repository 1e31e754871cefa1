package knowledge

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IngestJob tracks an uploaded file waiting to become a Resource.
type IngestJob struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	CreatedBy string `gorm:"type:varchar(128);not null;index:uniq_ingest_idempo,unique,priority:1" json:"-"`

	Filename    string `gorm:"type:varchar(255);not null" json:"filename"`
	ContentType string `gorm:"type:varchar(128)" json:"contentType"`
	BlobKey     string `gorm:"type:varchar(512);not null" json:"-"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_ingest_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	ResourceID *string `gorm:"type:varchar(36);index" json:"resourceId"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (IngestJob) TableName() string { return "ingest_jobs" }
