package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/yolo-explorer/internal/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: ErrDetectionTimeout also matches ErrDetectionProcess.
var errorMappings = []errorMapping{
	{domain.ErrNoFile, http.StatusBadRequest, "no_file", "a single image file must be uploaded"},
	{domain.ErrMultipleFiles, http.StatusBadRequest, "multiple_files", "exactly one file may be uploaded per request"},
	{domain.ErrUploadTooLarge, http.StatusRequestEntityTooLarge, "upload_too_large", "uploaded file exceeds the size limit"},
	{domain.ErrUnsupportedMedia, http.StatusUnsupportedMediaType, "unsupported_media_type", "uploaded file is not an image"},
	{domain.ErrRecordNotFound, http.StatusNotFound, "not_found", "detection record not found"},
	{domain.ErrDetectorBusy, http.StatusServiceUnavailable, "detector_busy", "detector is at capacity, retry later"},
	{domain.ErrDetectionTimeout, http.StatusGatewayTimeout, "detection_timeout", "detection did not finish in time"},
	{domain.ErrStorageWrite, http.StatusInternalServerError, "storage_write_failed", "failed to store uploaded file"},
	{domain.ErrDetectionProcess, http.StatusInternalServerError, "detection_process_failed", "detection process failed"},
	{domain.ErrDetectionOutput, http.StatusInternalServerError, "detection_output_invalid", "detection process returned malformed output"},
	{domain.ErrPersistence, http.StatusInternalServerError, "persistence_failed", "failed to save detection record"},
}

// respondError writes the JSON error body for err. Internal details are not echoed.
func respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.AbortWithStatusJSON(m.status, errorResponse{Error: m.code, Message: m.message})
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "internal server error"})
}
