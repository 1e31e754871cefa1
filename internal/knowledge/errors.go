package knowledge

import "errors"

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrEmptyContent     = errors.New("content has no text to index")
	ErrJobNotFound      = errors.New("ingest job not found")
	ErrAsyncDisabled    = errors.New("async ingestion is not configured")
	ErrUnreadableFile   = errors.New("uploaded file could not be read")
)

// IsPermanent reports whether retrying an ingest job that failed with err
// cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrUnreadableFile) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrAsyncDisabled)
}
