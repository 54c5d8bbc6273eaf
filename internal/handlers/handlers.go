package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"github.com/example/yolo-explorer/internal/domain"
	"github.com/example/yolo-explorer/internal/usecase"
)

// MaxUploadSize is the largest image accepted by POST /upload.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of the file.
const multipartOverhead = 1 << 20

// ArtifactReader opens stored artifacts by name.
type ArtifactReader interface {
	Open(name string) (afero.File, error)
}

// Options configures the optional collaborators of the HTTP surface.
type Options struct {
	// Artifacts backs read-only serving under URLPrefix. Nil disables it.
	Artifacts ArtifactReader
	URLPrefix string
	// Ready is consulted by GET /ready.
	Ready func(ctx context.Context) error
}

type detectionResponse struct {
	ID         string             `json:"id"`
	FilePath   string             `json:"filePath"`
	Detections []domain.Detection `json:"detections"`
	Timestamp  time.Time          `json:"timestamp"`
}

type listResponse struct {
	Records []domain.DetectionRecord `json:"records"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
// authMiddleware guards the upload and record endpoints.
func RegisterRoutes(router *gin.Engine, uc *usecase.DetectionUseCase, opts Options, authMiddleware ...gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		if opts.Ready != nil {
			if err := opts.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "metrics_unavailable", Message: "failed to collect metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	if opts.Artifacts != nil {
		prefix := "/" + strings.Trim(opts.URLPrefix, "/")
		router.GET(prefix+"/:name", serveArtifact(opts.Artifacts))
	}

	protected := router.Group("/", authMiddleware...)

	protected.POST("/upload", func(c *gin.Context) {
		upload, err := readUpload(c)
		if err != nil {
			respondError(c, err)
			return
		}

		record, err := uc.Detect(c.Request.Context(), upload)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, detectionResponse{
			ID:         record.ID,
			FilePath:   record.ImagePath,
			Detections: record.Detections,
			Timestamp:  record.Timestamp,
		})
	})

	protected.GET("/detections", func(c *gin.Context) {
		limit, errLimit := queryInt(c, "limit")
		offset, errOffset := queryInt(c, "offset")
		if errLimit != nil || errOffset != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_query", Message: "limit and offset must be integers"})
			return
		}
		limit, offset = usecase.NormalizePage(limit, offset)

		records, err := uc.ListRecords(c.Request.Context(), limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		if records == nil {
			records = []domain.DetectionRecord{}
		}
		c.JSON(http.StatusOK, listResponse{Records: records, Limit: limit, Offset: offset})
	})

	protected.GET("/detections/:id", func(c *gin.Context) {
		record, err := uc.GetRecord(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	})
}

// readUpload extracts the single uploaded file. Nothing is written before it returns.
func readUpload(c *gin.Context) (domain.Upload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Upload{}, domain.ErrUploadTooLarge
		}
		return domain.Upload{}, domain.ErrNoFile
	}
	defer form.RemoveAll() //nolint:errcheck

	fieldName, header, err := singleFile(form)
	if err != nil {
		return domain.Upload{}, err
	}
	if header.Size > MaxUploadSize {
		return domain.Upload{}, domain.ErrUploadTooLarge
	}

	src, err := header.Open()
	if err != nil {
		return domain.Upload{}, domain.ErrNoFile
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		return domain.Upload{}, domain.ErrNoFile
	}
	if len(data) > MaxUploadSize {
		return domain.Upload{}, domain.ErrUploadTooLarge
	}
	if len(data) == 0 {
		return domain.Upload{}, domain.ErrNoFile
	}
	if !strings.HasPrefix(mimetype.Detect(data).String(), "image/") {
		return domain.Upload{}, domain.ErrUnsupportedMedia
	}

	return domain.Upload{FieldName: fieldName, Filename: header.Filename, Data: data}, nil
}

func singleFile(form *multipart.Form) (string, *multipart.FileHeader, error) {
	var (
		fieldName string
		found     *multipart.FileHeader
		count     int
	)
	for name, headers := range form.File {
		for _, h := range headers {
			count++
			fieldName, found = name, h
		}
	}
	switch count {
	case 0:
		return "", nil, domain.ErrNoFile
	case 1:
		return fieldName, found, nil
	default:
		return "", nil, domain.ErrMultipleFiles
	}
}

func serveArtifact(artifacts ArtifactReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := artifacts.Open(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: "artifact not found"})
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: "artifact not found"})
			return
		}
		http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
