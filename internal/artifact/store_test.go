package artifact

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/yolo-explorer/internal/domain"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "uploads", "/uploads/", zap.NewNop())
	require.NoError(t, err)
	return store, fs
}

func TestStoreWritesFileAndReturnsPublicPath(t *testing.T) {
	store, fs := newTestStore(t)
	store.now = func() time.Time { return time.UnixMilli(1700000000123) }
	store.token = func() string { return "deadbeef" }

	art, err := store.Store(context.Background(), "file", "Cat.JPG", []byte("jpeg-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "file-1700000000123-deadbeef.jpg", art.Name)
	assert.Equal(t, "uploads/file-1700000000123-deadbeef.jpg", art.Path)
	assert.Equal(t, int64(10), art.Size)

	got, err := afero.ReadFile(fs, art.FSPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(got))
}

func TestStoreNamePattern(t *testing.T) {
	store, _ := newTestStore(t)

	art, err := store.Store(context.Background(), "file", "photo.png", []byte("x"))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^file-\d{13}-[0-9a-f]{8}\.png$`), art.Name)
}

func TestStoreSanitisesFieldAndExtension(t *testing.T) {
	store, _ := newTestStore(t)
	store.now = func() time.Time { return time.UnixMilli(1) }

	tests := []struct {
		field, filename, wantPrefix, wantExt string
	}{
		{"../etc", "a.png", "etc", ".png"},
		{"", "a.jpeg", "file", ".jpeg"},
		{"file", "noext", "file", ""},
		{"file", "weird.p$g", "file", ""},
		{"file", "long.abcdefghijkl", "file", ""},
	}
	for i, tt := range tests {
		token := fmt.Sprintf("%08d", i)
		store.token = func() string { return token }

		art, err := store.Store(context.Background(), tt.field, tt.filename, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, tt.wantPrefix+"-1-"+token+tt.wantExt, art.Name, "field=%q filename=%q", tt.field, tt.filename)
	}
}

func TestStoreNeverOverwritesExistingFile(t *testing.T) {
	store, fs := newTestStore(t)
	store.now = func() time.Time { return time.UnixMilli(42) }
	store.token = func() string { return "cafebabe" }

	first, err := store.Store(context.Background(), "file", "a.png", []byte("first"))
	require.NoError(t, err)

	_, err = store.Store(context.Background(), "file", "a.png", []byte("second"))
	require.ErrorIs(t, err, domain.ErrStorageWrite)

	got, err := afero.ReadFile(fs, first.FSPath)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestStoreWriteFailureIsStorageWriteError(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("uploads", 0o755))
	store := &Store{
		fs:        afero.NewReadOnlyFs(base),
		root:      "uploads",
		urlPrefix: "uploads",
		now:       time.Now,
		token:     randomToken,
		logger:    zap.NewNop(),
	}

	_, err := store.Store(context.Background(), "file", "a.png", []byte("data"))
	require.ErrorIs(t, err, domain.ErrStorageWrite)

	entries, err := afero.ReadDir(base, "uploads")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	store, fs := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Store(ctx, "file", "a.png", []byte("data"))
	require.ErrorIs(t, err, domain.ErrStorageWrite)

	entries, err := afero.ReadDir(fs, "uploads")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentStoresProduceDistinctFiles(t *testing.T) {
	store, _ := newTestStore(t)
	fixed := time.UnixMilli(1700000000000)
	store.now = func() time.Time { return fixed }

	const n = 32
	var wg sync.WaitGroup
	names := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := store.Store(context.Background(), "file", "a.png", []byte(fmt.Sprintf("payload-%d", i)))
			errs[i] = err
			if art != nil {
				names[i] = art.Name
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[names[i]], "duplicate name %s", names[i])
		seen[names[i]] = true

		f, err := store.Open(names[i])
		require.NoError(t, err)
		got, err := io.ReadAll(f)
		require.NoError(t, err)
		_ = f.Close()
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(got))
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	store, _ := newTestStore(t)
	for _, name := range []string{"../secret", "..", ".", "", "a/b.png"} {
		_, err := store.Open(name)
		assert.Error(t, err, name)
	}
}
