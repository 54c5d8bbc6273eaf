package domain

import "errors"

// Upload validation errors
var (
	ErrNoFile           = errors.New("no file uploaded")
	ErrMultipleFiles    = errors.New("exactly one file must be uploaded")
	ErrUploadTooLarge   = errors.New("uploaded file exceeds the size limit")
	ErrUnsupportedMedia = errors.New("uploaded file is not a supported image")
)

// Pipeline errors
var (
	ErrStorageWrite     = errors.New("artifact write failed")
	ErrDetectionProcess = errors.New("detection process failed")
	ErrDetectionOutput  = errors.New("detection output is malformed")
	ErrPersistence      = errors.New("detection record persistence failed")
	ErrDetectorBusy     = errors.New("detector is at capacity")
)

// ErrDetectionTimeout matches both itself and ErrDetectionProcess.
var ErrDetectionTimeout error = &timeoutError{}

// Read side errors
var (
	ErrRecordNotFound = errors.New("detection record not found")
)

type timeoutError struct{}

func (*timeoutError) Error() string { return "detection process timed out" }

func (*timeoutError) Is(target error) bool {
	return target == ErrDetectionProcess
}
