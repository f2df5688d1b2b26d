package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/openscribe/scribe-core/internal/config"
)

// ErrDeviceUnavailable is returned when the capture source cannot be
// acquired. Fatal to session start; reported immediately, never retried.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Source produces raw PCM from a microphone-like input. ReadFrame fills buf
// with exactly one frame of samples and returns io.EOF when the input ends.
type Source interface {
	ReadFrame(buf []byte) (int, error)
	Close() error
}

// NewSource opens the configured capture input. Mode "exec" spawns a capture
// command (e.g. arecord) and reads PCM from its stdout; "file" reads a raw
// PCM file; "stdin" reads from standard input.
func NewSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case "exec":
		return newExecSource(cfg)
	case "file":
		f, err := os.Open(cfg.InputPath)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, cfg.InputPath, err)
		}
		return &readerSource{r: f, closer: f}, nil
	case "stdin":
		return &readerSource{r: os.Stdin}, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

type readerSource struct {
	r      io.Reader
	closer io.Closer
}

func (s *readerSource) ReadFrame(buf []byte) (int, error) {
	return io.ReadFull(s.r, buf)
}

func (s *readerSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type execSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newExecSource(cfg config.CaptureConfig) (*execSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, args[0], err)
	}
	return &execSource{cmd: cmd, stdout: stdout}, nil
}

func (s *execSource) ReadFrame(buf []byte) (int, error) {
	return io.ReadFull(s.stdout, buf)
}

func (s *execSource) Close() error {
	_ = s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
