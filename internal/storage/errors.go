package storage

import "errors"

var (
	// ErrNotFound reports that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSessionCompleted reports a completion attempt against a session
	// that already produced an asset.
	ErrSessionCompleted = errors.New("upload session already completed")
	// ErrSessionExpired reports a completion attempt against a session whose
	// deadline has passed.
	ErrSessionExpired = errors.New("upload session expired")
	// ErrUploadMismatch reports a completion attempt whose upload handle does
	// not match the one recorded for the session.
	ErrUploadMismatch = errors.New("upload id does not match session")
	// ErrNoPendingJobs reports an empty queue to claiming workers.
	ErrNoPendingJobs = errors.New("no pending jobs")
	// ErrJobNotFailed guards manual requeue against jobs that are not in a
	// terminal FAILED state.
	ErrJobNotFailed = errors.New("job is not failed")
	// ErrJobNotProcessing guards completion and release against jobs that
	// were never claimed.
	ErrJobNotProcessing = errors.New("job is not processing")
)
