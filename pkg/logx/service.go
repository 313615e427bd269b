package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Operator OperatorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OperatorConfig forwards warn+ lines to an ops destination through a Sender.
type OperatorConfig struct {
	Enabled     bool
	Destination string
	MinLevel    string
	RatePerSec  int
}

const defaultLogFile = "./data/worldwatch.log"

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu   sync.Mutex
	file *os.File
	op   *operatorSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service and its root logger. sender may be
// nil and installed later with SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{op: newOperatorSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs the operator transport once it exists.
func (s *Service) SetSender(sender Sender) { s.op.setSender(sender) }

// OperatorStats reports forwarded and dropped operator lines.
func (s *Service) OperatorStats() OperatorStats { return s.op.stats() }

// Apply swaps level and sinks. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	s.op.apply(cfg.Operator)
	if cfg.Operator.Enabled {
		if strings.TrimSpace(cfg.Operator.Destination) == "" {
			fmt.Fprintln(os.Stderr, "logx: logging.operator.enabled without a destination")
		}
		writers = append(writers, s.op)
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close stops the operator worker and closes the log file. Loggers keep
// working afterwards but the file sink is gone.
func (s *Service) Close() error {
	s.op.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
