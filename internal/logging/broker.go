package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BrokerLogger is the process-wide append-only sink at <logger_dir>/hashpwd.log,
// opened truncate-write at startup and owned for the broker's lifetime.
// Under the single-threaded dispatch model no mutex would be strictly
// required, but one is kept anyway since the reaper and the
// wire endpoint's connection handlers both hold a reference to the same
// *BrokerLogger and concurrent tests exercise it from goroutines.
type BrokerLogger struct {
	mu   sync.Mutex
	file *os.File
}

var (
	brokerLoggerOnce sync.Once
	defaultBroker    *BrokerLogger
)

// NewBrokerLogger opens <dir>/hashpwd.log in truncate-write mode. dir must
// already exist or be creatable.
func NewBrokerLogger(dir string) (*BrokerLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "hashpwd.log"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open hashpwd.log: %w", err)
	}
	return &BrokerLogger{file: f}, nil
}

// InitBrokerLogger installs l as the package-level default, used by the
// Infof/Debugf/Warnf/Errorf convenience functions.
func InitBrokerLogger(l *BrokerLogger) {
	defaultBroker = l
}

// GetBrokerLogger returns the installed default, falling back to stderr if
// none has been installed (keeps tests that don't care about log output
// from needing a temp dir).
func GetBrokerLogger() *BrokerLogger {
	if defaultBroker == nil {
		brokerLoggerOnce.Do(func() {
			defaultBroker = &BrokerLogger{file: os.Stderr}
		})
	}
	return defaultBroker
}

func (l *BrokerLogger) writeLine(prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), prefix, msg)
}

func (l *BrokerLogger) Debugf(format string, args ...interface{}) { l.writeLine("[debug]", format, args...) }
func (l *BrokerLogger) Infof(format string, args ...interface{})  { l.writeLine("[info]", format, args...) }
func (l *BrokerLogger) Warnf(format string, args ...interface{}) { l.writeLine("[warning]", format, args...) }
func (l *BrokerLogger) Errorf(format string, args ...interface{}) { l.writeLine("[error]", format, args...) }

// Close flushes and releases the underlying file. Part of the broker's
// shutdown clean-up path.
func (l *BrokerLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == os.Stderr || l.file == os.Stdout {
		return nil
	}
	return l.file.Close()
}

func Debugf(format string, args ...interface{}) { GetBrokerLogger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetBrokerLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetBrokerLogger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetBrokerLogger().Errorf(format, args...) }
