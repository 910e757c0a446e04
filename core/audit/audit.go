// Package audit writes the exchange transaction log: one date-stamped file
// per day recording what was received from and returned to whom.
package audit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logFilePerm = 0o644

// dailyWriter reopens its file when the date rolls over.
type dailyWriter struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("exchanges-%s.log", day))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
		if err != nil {
			return 0, err
		}
		w.file = file
		w.day = day
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Log is a transaction logger backed by daily files.
type Log struct {
	logger *slog.Logger
	closer io.Closer
}

// Open creates the log directory and returns a transaction logger. An
// empty dir returns a logger that discards everything.
func Open(dir string) (*Log, error) {
	if dir == "" {
		return &Log{logger: slog.New(slog.DiscardHandler)}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &dailyWriter{dir: dir}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return &Log{logger: logger, closer: w}, nil
}

// Logger returns the underlying slog.Logger for transaction entries.
func (l *Log) Logger() *slog.Logger {
	return l.logger
}

func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
