package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/example/yolo-explorer/internal/domain"
)

const (
	maxStdoutBytes   = 32 << 20
	maxRawOutput     = 64 << 10
	stderrTailBytes  = 4 << 10
	defaultWaitDelay = 5 * time.Second
)

// ProcessDetector runs one external detector process per call:
//
//	<command> <args...> <imagePath>
//
// The process must print a JSON array of detections on stdout and exit 0.
// Anything on stderr is logged and otherwise ignored.
type ProcessDetector struct {
	command     string
	args        []string
	waitDelay   time.Duration
	stdoutLimit int
	logger      *zap.Logger
}

// NewProcessDetector builds a detector for the given interpreter and leading arguments.
func NewProcessDetector(command string, args []string, logger *zap.Logger) *ProcessDetector {
	return &ProcessDetector{
		command:     command,
		args:        append([]string(nil), args...),
		waitDelay:   defaultWaitDelay,
		stdoutLimit: maxStdoutBytes,
		logger:      logger.Named("detector_process"),
	}
}

// Detect spawns the process, waits for it to exit and parses its stdout.
// Cancelling ctx kills the process.
func (p *ProcessDetector) Detect(ctx context.Context, imagePath string) ([]domain.Detection, error) {
	args := make([]string, 0, len(p.args)+1)
	args = append(args, p.args...)
	args = append(args, imagePath)

	logger := p.logger.With(zap.String("image_path", imagePath))

	cmd := exec.CommandContext(ctx, p.command, args...)
	stdout := &limitedBuffer{limit: p.stdoutLimit}
	stderr := newStderrLogger(logger, stderrTailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("failed to spawn detector process", zap.String("command", p.command), zap.Error(err))
		return nil, &ProcessError{ImagePath: imagePath, ExitCode: -1, Err: err}
	}
	logger.Debug("detector process spawned", zap.Int("pid", cmd.Process.Pid))

	waitErr := cmd.Wait()
	stderr.Flush()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		cause := ctxErr
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			cause = domain.ErrDetectionTimeout
		}
		logger.Error("detector process aborted", zap.Duration("elapsed", elapsed), zap.Error(ctxErr))
		return nil, &ProcessError{ImagePath: imagePath, ExitCode: -1, Stderr: stderr.Tail(), Err: cause}
	}

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Error("detector process failed",
			zap.Int("exit_code", code),
			zap.Duration("elapsed", elapsed),
			zap.String("stderr_tail", stderr.Tail()),
			zap.Error(waitErr),
		)
		return nil, &ProcessError{ImagePath: imagePath, ExitCode: code, Stderr: stderr.Tail(), Err: waitErr}
	}

	if stdout.overflow {
		raw := truncate(stdout.String(), maxRawOutput)
		reason := fmt.Errorf("output exceeds %d bytes", p.stdoutLimit)
		logger.Error("detector output rejected", zap.String("raw_output", raw), zap.Error(reason))
		return nil, &OutputError{ImagePath: imagePath, Raw: raw, Reason: reason}
	}

	detections, err := ParseOutput(stdout.Bytes())
	if err != nil {
		raw := truncate(stdout.String(), maxRawOutput)
		logger.Error("detector output rejected", zap.String("raw_output", raw), zap.Error(err))
		return nil, &OutputError{ImagePath: imagePath, Raw: raw, Reason: err}
	}

	logger.Info("detector process completed",
		zap.Int("detections", len(detections)),
		zap.Duration("elapsed", elapsed),
	)
	return detections, nil
}

// limitedBuffer keeps at most limit bytes and drops the rest.
// It never returns a write error so the child is not killed by SIGPIPE.
type limitedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Buffer.Len()
	if room <= 0 {
		b.overflow = true
		return len(p), nil
	}
	if len(p) > room {
		b.overflow = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// stderrLogger logs each complete stderr line and remembers the last bytes.
type stderrLogger struct {
	logger  *zap.Logger
	partial []byte
	tail    []byte
	tailCap int
}

func newStderrLogger(logger *zap.Logger, tailCap int) *stderrLogger {
	return &stderrLogger{logger: logger, tailCap: tailCap}
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.remember(p)
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.emit(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > s.tailCap {
		s.emit(s.partial)
		s.partial = nil
	}
	return len(p), nil
}

// Flush logs any trailing line without a newline.
func (s *stderrLogger) Flush() {
	if len(s.partial) > 0 {
		s.emit(s.partial)
		s.partial = nil
	}
}

// Tail returns up to tailCap trailing bytes of stderr.
func (s *stderrLogger) Tail() string {
	return string(s.tail)
}

func (s *stderrLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	s.logger.Warn("detector stderr", zap.String("line", string(line)))
}

func (s *stderrLogger) remember(p []byte) {
	s.tail = append(s.tail, p...)
	if over := len(s.tail) - s.tailCap; over > 0 {
		s.tail = append([]byte(nil), s.tail[over:]...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
