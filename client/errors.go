package client

import "errors"

var (
	// ErrBackendUnavailable means the backend could not be reached
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendRejected means the backend answered a submission without a prompt id
	ErrBackendRejected = errors.New("backend rejected prompt")
	// ErrHistoryMissing means the backend has no history for a job observed as complete
	ErrHistoryMissing = errors.New("history missing")
	// ErrUploadRejected means the asset store refused an upload
	ErrUploadRejected = errors.New("upload rejected")
	// ErrStreamClosed means the execution stream ended before the job completed
	ErrStreamClosed = errors.New("execution stream closed")
	// ErrExecutionFailed means the backend reported an execution error for the job
	ErrExecutionFailed = errors.New("execution failed")
	// ErrExecutionInterrupted means the job was interrupted on the backend
	ErrExecutionInterrupted = errors.New("execution interrupted")
)
