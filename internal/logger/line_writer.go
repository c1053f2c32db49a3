package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// maxLine bounds a buffered partial line; longer output is flushed in pieces.
const maxLine = 64 * 1024

// LineWriter forwards each complete line written to it as one log record,
// optionally copying the raw bytes to a file as well.
type LineWriter struct {
	mu    sync.Mutex
	log   *slog.Logger
	level slog.Level
	tee   io.WriteCloser
	buf   bytes.Buffer
}

// NewLineWriter returns a writer logging lines through l at level. tee may be nil.
func NewLineWriter(l *slog.Logger, level slog.Level, tee io.WriteCloser) *LineWriter {
	return &LineWriter{log: l, level: level, tee: tee}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.emit(line[:i])
	}
	if w.buf.Len() > maxLine {
		w.emit(w.buf.Next(w.buf.Len()))
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the tee file.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Next(w.buf.Len()))
	}
	if w.tee != nil {
		err := w.tee.Close()
		w.tee = nil
		return err
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, string(line))
}
