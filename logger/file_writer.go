package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var errWriterClosed = errors.New("log file writer is closed")

// DailyFileWriter appends to {service}_{YYYY-MM-DD}.log in dir and switches
// to a new file on the first write of each day. Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// NewDailyFileWriter opens today's file in logDir. The directory must exist.
//
// Parameters:
//   - service: Prefix of the file names
//   - logDir: Directory holding the files
//
// Returns:
//   - The writer, or an error if the first file could not be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{service: service, dir: logDir, now: time.Now}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(w.now().Format(time.DateOnly)); err != nil {
		return nil, err
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errWriterClosed
	}

	if date := w.now().Format(time.DateOnly); date != w.date || w.file == nil {
		if err := w.rotateLocked(date); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// CurrentLogFile returns the path being written, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.file.Name()
}

// Close closes the current file. Later writes fail.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// rotateLocked switches to the file for date; caller holds w.mu.
func (w *DailyFileWriter) rotateLocked(date string) error {
	name := filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", name, err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.date = date
	return nil
}
