package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/example/yolo-explorer/internal/domain"
)

const maxExtensionLength = 10

var (
	unsafeFieldChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	safeExtension    = regexp.MustCompile(`^\.[a-z0-9]+$`)
)

// Artifact describes an uploaded file once it is fully on disk.
type Artifact struct {
	// Name is the generated filename.
	Name string
	// Path is the public relative path, e.g. uploads/file-1700000000000-1a2b3c4d.jpg.
	Path string
	// FSPath is the location handed to the detector process.
	FSPath string
	Size   int64
}

// Store writes uploads under a root directory.
type Store struct {
	fs        afero.Fs
	root      string
	urlPrefix string
	now       func() time.Time
	token     func() string
	logger    *zap.Logger
}

// NewStore returns a Store rooted at root on fs, creating root if needed.
// urlPrefix is the static route the root is served under.
func NewStore(fs afero.Fs, root, urlPrefix string, logger *zap.Logger) (*Store, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create upload dir %s: %v", domain.ErrStorageWrite, root, err)
	}
	return &Store{
		fs:        fs,
		root:      root,
		urlPrefix: strings.Trim(urlPrefix, "/"),
		now:       time.Now,
		token:     randomToken,
		logger:    logger.Named("artifact_store"),
	}, nil
}

// Store persists data under a generated name and returns its location.
// The file is complete and closed when Store returns without error.
func (s *Store) Store(ctx context.Context, fieldName, originalFilename string, data []byte) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageWrite, err)
	}

	name := s.filename(fieldName, originalFilename)
	fsPath := filepath.Join(s.root, name)

	f, err := s.fs.OpenFile(fsPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", domain.ErrStorageWrite, name, err)
	}

	if err := writeAll(f, data); err != nil {
		_ = f.Close()
		if rmErr := s.fs.Remove(fsPath); rmErr != nil {
			s.logger.Warn("failed to remove partial artifact", zap.String("path", fsPath), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("%w: write %s: %v", domain.ErrStorageWrite, name, err)
	}

	s.logger.Debug("artifact stored", zap.String("name", name), zap.Int("bytes", len(data)))
	return &Artifact{
		Name:   name,
		Path:   path.Join(s.urlPrefix, name),
		FSPath: fsPath,
		Size:   int64(len(data)),
	}, nil
}

// Open returns a reader for a stored artifact by generated name.
func (s *Store) Open(name string) (afero.File, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}
	return s.fs.Open(filepath.Join(s.root, name))
}

// Root returns the directory artifacts are written to.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) filename(fieldName, originalFilename string) string {
	field := unsafeFieldChars.ReplaceAllString(fieldName, "")
	if field == "" {
		field = "file"
	}
	return fmt.Sprintf("%s-%d-%s%s", field, s.now().UnixMilli(), s.token(), extension(originalFilename))
}

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > maxExtensionLength || !safeExtension.MatchString(ext) {
		return ""
	}
	return ext
}

func writeAll(f afero.File, data []byte) error {
	n, err := f.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func randomToken() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
