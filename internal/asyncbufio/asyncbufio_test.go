package asyncbufio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "example")
	require.NoError(t, err)
	defer f.Close()

	var expected bytes.Buffer
	w := NewWriter(f, 100, time.Second)
	for i := range 100 {
		sometext := fmt.Appendf(nil, "Line of text %3d\n", i)
		expected.Write(sometext)
		if _, err := w.Write(sometext); err != nil {
			t.Fatalf("Write(%d) failed: %v", i, err)
		}
		if i%25 == 19 {
			assert.NoError(t, w.Flush())
		}
	}
	w.Write([]byte("Last line\n"))
	expected.WriteString("Last line\n")
	assert.NoError(t, w.Close())

	contents, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, expected.String(), string(contents))

	assert.ErrorIs(t, w.Flush(), ErrClosed)
	_, err = w.Write([]byte("too late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseTwice(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 10, time.Second)
	assert.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrClosed)
}

// blockingWriter holds every Write until release is closed.
type blockingWriter struct {
	release chan struct{}
	sync.Mutex
	bytes.Buffer
}

func (bw *blockingWriter) Write(p []byte) (int, error) {
	<-bw.release
	bw.Lock()
	defer bw.Unlock()
	return bw.Buffer.Write(p)
}

func TestDropWhenFull(t *testing.T) {
	bw := &blockingWriter{release: make(chan struct{})}
	w := NewWriter(bw, 2, time.Millisecond)
	// A 5000-byte write exceeds the bufio size, so the write goroutine blocks in bw.
	big := make([]byte, 5000)
	w.Write(big)
	time.Sleep(20 * time.Millisecond)

	nfail := 0
	for range 10 {
		if _, err := w.Write([]byte("x")); err == io.ErrShortWrite {
			nfail++
		}
	}
	assert.Equal(t, int64(nfail), w.Dropped())
	assert.Positive(t, nfail, "expected some writes to be dropped when the queue is full")

	close(bw.release)
	assert.NoError(t, w.Close())
	bw.Lock()
	defer bw.Unlock()
	assert.Equal(t, 5000+10-nfail, bw.Len())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("disk on fire")
}

func TestUnderlyingError(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Second)
	w.Write([]byte("hello"))
	err := w.Flush()
	assert.EqualError(t, err, "disk on fire")
	assert.EqualError(t, w.Close(), "disk on fire")
}
