package detector

import (
	"context"
	"fmt"

	"github.com/example/yolo-explorer/internal/domain"
)

// Detector runs object detection on an image that is already on disk.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]domain.Detection, error)
}

// ProcessError reports a detector process that could not run to a clean exit.
type ProcessError struct {
	ImagePath string
	// ExitCode is -1 when the process never started or was killed.
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("detector process for %s exited with code %d: %v", e.ImagePath, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("detector process for %s: %v", e.ImagePath, e.Err)
}

func (e *ProcessError) Unwrap() []error {
	return []error{domain.ErrDetectionProcess, e.Err}
}

// OutputError reports process output that is not a valid detection set.
// Raw keeps the captured stdout for diagnostics.
type OutputError struct {
	ImagePath string
	Raw       string
	Reason    error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("detector output for %s: %v", e.ImagePath, e.Reason)
}

func (e *OutputError) Unwrap() []error {
	return []error{domain.ErrDetectionOutput, e.Reason}
}
