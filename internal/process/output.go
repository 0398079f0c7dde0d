package process

import (
	"bytes"
	"sync"
)

// maxLineLength caps a buffered partial line before it is flushed as is.
const maxLineLength = 4096

// lineLogger is an io.Writer that logs each complete line it receives.
type lineLogger struct {
	logger Logger
	name   string
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger Logger, name, stream string) *lineLogger {
	return &lineLogger{logger: logger, name: name, stream: stream}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info("process output",
		"name", w.name,
		"stream", w.stream,
		"line", string(line),
	)
}
