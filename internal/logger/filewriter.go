package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	logFileBufferSize = 32 * 1024
	logFileFlushEvery = 2 * time.Second
	logFilePerm       = 0o600
)

// bufferedFileWriter is an append-only log file with a periodic flusher.
type bufferedFileWriter struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func newBufferedFileWriter(path string) (*bufferedFileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	w := &bufferedFileWriter{
		file: f,
		buf:  bufio.NewWriterSize(f, logFileBufferSize),
		done: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

func (w *bufferedFileWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(logFileFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.done:
			return
		}
	}
}

// Write implements io.Writer
func (w *bufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

// Flush pushes buffered records to the OS
func (w *bufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Close stops the flusher, then flushes, syncs and closes the file
func (w *bufferedFileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	return errors.Join(w.buf.Flush(), w.file.Sync(), w.file.Close())
}
