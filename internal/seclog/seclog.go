// Package seclog writes inspection verdict messages to the security log,
// one line per entry, in the form the shipper reads back.
package seclog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Component tags every entry so the shipper can tell verdict lines apart
	// from anything else sharing the file.
	Component = "WAF"
	FileName  = "security.log"

	// Prefix starts the message of every entry.
	Prefix = Component + ": "
)

// Marker is the token appended to every entry.
var Marker = fmt.Sprintf("[component %q]", Component)

type Log struct {
	logger *zap.Logger
	path   string
	close  func()
}

// Open appends to <dir>/security.log, creating dir when needed.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %v: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	ws, closeFn, err := zap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open security log %v: %w", path, err)
	}
	l := New(ws)
	l.path = path
	l.close = closeFn
	return l, nil
}

// New writes entries to ws. The caller owns ws.
func New(ws zapcore.WriteSyncer) *Log {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(ws), zapcore.InfoLevel)
	return &Log{logger: zap.New(core)}
}

func (l *Log) Path() string { return l.path }

// Write records one entry as "WAF: <entry> [component "WAF"]". Line breaks
// inside entry are flattened so an entry never spans lines.
func (l *Log) Write(entry string) {
	entry = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(entry))
	if entry == "" {
		return
	}
	l.logger.Info(Prefix + entry + " " + Marker)
}

func (l *Log) Close() error {
	err := l.logger.Sync()
	if l.close != nil {
		l.close()
	}
	return err
}
