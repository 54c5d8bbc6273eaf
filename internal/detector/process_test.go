package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/yolo-explorer/internal/domain"
)

// shellDetector runs script with sh; the image path arrives as $1.
func shellDetector(script string, logger *zap.Logger) *ProcessDetector {
	return NewProcessDetector("sh", []string{"-c", script, "detector"}, logger)
}

func TestProcessDetectorParsesStdoutAndLogsStderr(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	script := `echo "loading model" >&2
printf '%s' '[{"bbox":[10,20,110,220],"label":"cat","confidence":0.93}]'`
	d := shellDetector(script, zap.New(core))

	got, err := d.Detect(context.Background(), "uploads/file-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, []domain.Detection{
		{BBox: [4]float64{10, 20, 110, 220}, Label: "cat", Confidence: 0.93},
	}, got)

	stderrLines := logs.FilterMessage("detector stderr").All()
	require.Len(t, stderrLines, 1)
	assert.Equal(t, "loading model", stderrLines[0].ContextMap()["line"])
	assert.Equal(t, "uploads/file-1.jpg", stderrLines[0].ContextMap()["image_path"])
}

func TestProcessDetectorPassesImagePathAsLastArgument(t *testing.T) {
	script := `printf '[{"bbox":[0,0,1,1],"label":"%s","confidence":1}]' "$1"`
	d := shellDetector(script, zap.NewNop())

	got, err := d.Detect(context.Background(), "uploads/file-2.png")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "uploads/file-2.png", got[0].Label)
}

func TestProcessDetectorWaitsForChunkedOutput(t *testing.T) {
	script := `printf '[{"bbox":[1,2,3,4],'
sleep 0.1
printf '"label":"dog","confidence":0.5}]'`
	d := shellDetector(script, zap.NewNop())

	got, err := d.Detect(context.Background(), "img.jpg")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dog", got[0].Label)
}

func TestProcessDetectorMalformedOutput(t *testing.T) {
	d := shellDetector(`echo "not json at all"`, zap.NewNop())

	_, err := d.Detect(context.Background(), "img.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDetectionOutput)
	assert.NotErrorIs(t, err, domain.ErrDetectionProcess)

	var outErr *OutputError
	require.True(t, errors.As(err, &outErr))
	assert.Equal(t, "not json at all\n", outErr.Raw)
}

func TestProcessDetectorCannotSpawn(t *testing.T) {
	d := NewProcessDetector("/nonexistent/python", []string{"scripts/yolo_detect.py"}, zap.NewNop())

	_, err := d.Detect(context.Background(), "img.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDetectionProcess)

	var procErr *ProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, -1, procErr.ExitCode)
}

func TestProcessDetectorNonZeroExit(t *testing.T) {
	d := shellDetector(`echo "model file missing" >&2; printf '[]'; exit 3`, zap.NewNop())

	_, err := d.Detect(context.Background(), "img.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDetectionProcess)

	var procErr *ProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Contains(t, procErr.Stderr, "model file missing")
}

func TestProcessDetectorKilledOnDeadline(t *testing.T) {
	d := shellDetector(`exec sleep 5`, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Detect(ctx, "img.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDetectionTimeout)
	assert.ErrorIs(t, err, domain.ErrDetectionProcess)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStderrLoggerKeepsTail(t *testing.T) {
	s := newStderrLogger(zap.NewNop(), 8)
	_, _ = s.Write([]byte("0123456789\nabc"))
	s.Flush()
	assert.Equal(t, "6789\nabc", s.Tail())
}

func TestStderrLoggerTailSpansWritesAndSplitsLines(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := newStderrLogger(zap.New(core), 5)
	_, _ = s.Write([]byte("abc\n"))
	_, _ = s.Write([]byte("defgh\nij"))
	s.Flush()

	// The window is the last 5 bytes, cutting "defgh" in the middle.
	assert.Equal(t, "gh\nij", s.Tail())

	lines := logs.FilterMessage("detector stderr").All()
	require.Len(t, lines, 3)
	assert.Equal(t, "abc", lines[0].ContextMap()["line"])
	assert.Equal(t, "defgh", lines[1].ContextMap()["line"])
	assert.Equal(t, "ij", lines[2].ContextMap()["line"])
}

func TestProcessDetectorOversizedOutputIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := shellDetector(`printf '[{"bbox":[1,2,3,4],"label":"cat","confidence":0.5}]'`, zap.New(core))
	d.stdoutLimit = 16

	_, err := d.Detect(context.Background(), "img.jpg")
	var outErr *OutputError
	require.True(t, errors.As(err, &outErr))
	assert.ErrorIs(t, err, domain.ErrDetectionOutput)
	assert.Len(t, outErr.Raw, 16)

	rejected := logs.FilterMessage("detector output rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, "img.jpg", rejected[0].ContextMap()["image_path"])
}

func TestLimitedBufferFlagsOverflow(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, b.overflow)
	assert.Equal(t, "abcd", b.String())
}
