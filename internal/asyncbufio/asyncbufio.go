// Package asyncbufio provides a buffered writer whose Write never blocks on the
// underlying io.Writer. A background goroutine does the real writing.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by any call made after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer queues byte slices on a channel and writes them from its own goroutine.
// The slices passed to Write are kept until written, so callers must not reuse them.
type Writer struct {
	writer        *bufio.Writer
	datachannel   chan []byte
	flushNow      chan chan error // each request carries the channel for its reply
	quit          chan struct{}
	finished      chan struct{}
	flushInterval time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64

	errLock sync.Mutex
	err     error // first error from the underlying writer
}

// NewWriter starts a Writer that holds up to channelDepth pending writes and
// flushes at least once every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan chan error),
		quit:          make(chan struct{}),
		finished:      make(chan struct{}),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues p for writing. If the queue is full, p is dropped, counted, and
// io.ErrShortWrite is returned.
func (aw *Writer) Write(p []byte) (int, error) {
	if aw.closed.Load() {
		return 0, ErrClosed
	}
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// Dropped returns how many writes were discarded because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Flush writes everything queued so far and blocks until the underlying writer is flushed.
func (aw *Writer) Flush() error {
	if aw.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error)
	select {
	case aw.flushNow <- reply:
		return <-reply
	case <-aw.finished:
		return ErrClosed
	}
}

// Close flushes all queued data and stops the background goroutine. It returns the
// first error seen from the underlying writer. Calling Close again returns ErrClosed.
func (aw *Writer) Close() error {
	err := ErrClosed
	aw.closeOnce.Do(func() {
		aw.closed.Store(true)
		close(aw.quit)
		<-aw.finished
		err = aw.firstError()
	})
	return err
}

func (aw *Writer) writeLoop() {
	defer close(aw.finished)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case reply := <-aw.flushNow:
			aw.flush()
			reply <- aw.firstError()

		case <-ticker.C:
			aw.flush()

		case <-aw.quit:
			aw.flush()
			return
		}
	}
}

// flush empties the queue and then flushes the bufio.Writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if err := aw.writer.Flush(); err != nil {
				aw.setError(err)
			}
			return
		}
	}
}

func (aw *Writer) write(data []byte) {
	if _, err := aw.writer.Write(data); err != nil {
		aw.setError(err)
	}
}

func (aw *Writer) setError(err error) {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

func (aw *Writer) firstError() error {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.err
}
