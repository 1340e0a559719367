package headstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/usnistgov/headstream/internal/appendablenpy"
	"github.com/usnistgov/headstream/internal/asyncbufio"
)

// NPYSink creates outlets that record every sample to a numpy *.npy file with
// shape (nsamples, nchannels). Writing is asynchronous, so a slow disk drops
// samples from the file rather than stalling acquisition.
type NPYSink struct {
	Directory     string
	QueueDepth    int           // pending samples allowed before drops (default 4096)
	FlushInterval time.Duration // (default 1 second)
}

// CreateOutlet creates a new file named after the stream and the current time.
func (ns *NPYSink) CreateOutlet(info *StreamInfo) (Outlet, error) {
	if err := os.MkdirAll(ns.Directory, 0775); err != nil {
		return nil, err
	}
	stamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(ns.Directory, fmt.Sprintf("%s_%s.npy", info.Name, stamp))
	fp, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	depth := ns.QueueDepth
	if depth <= 0 {
		depth = 4096
	}
	interval := ns.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	aw := asyncbufio.NewWriter(fp, depth, interval)
	npy, err := appendablenpy.OpenAppendableNPY(fp, aw, "'<f4'", info.ChannelCount)
	if err != nil {
		aw.Close()
		fp.Close()
		return nil, err
	}
	UpdateLogger.Printf("Recording stream %q to %s\n", info.Name, filename)
	return &npyOutlet{Filename: filename, fp: fp, async: aw, npy: npy, nchan: info.ChannelCount}, nil
}

type npyOutlet struct {
	Filename string
	sync.Mutex
	fp    *os.File
	async *asyncbufio.Writer
	npy   *appendablenpy.AppendableNPY
	nchan int
}

func (no *npyOutlet) PushSample(buf []float32) error {
	no.Lock()
	defer no.Unlock()
	if no.fp == nil {
		return fmt.Errorf("recording %s was closed", no.Filename)
	}
	if len(buf) != no.nchan {
		return fmt.Errorf("sample has %d values, recording has %d channels", len(buf), no.nchan)
	}
	// asyncbufio keeps the slice until written, so each row needs its own.
	row := make([]byte, 4*len(buf))
	for i, v := range buf {
		binary.LittleEndian.PutUint32(row[4*i:], math.Float32bits(v))
	}
	return no.npy.Write([][]byte{row})
}

func (no *npyOutlet) Destroy() error {
	no.Lock()
	defer no.Unlock()
	if no.fp == nil {
		return fmt.Errorf("recording %s already closed", no.Filename)
	}
	err := no.async.Close()
	if err2 := no.npy.UpdateHeader(); err == nil {
		err = err2
	}
	if err2 := no.fp.Close(); err == nil {
		err = err2
	}
	no.fp = nil
	if dropped := no.async.Dropped(); dropped > 0 {
		ProblemLogger.Printf("Recording %s dropped %d samples\n", no.Filename, dropped)
	}
	UpdateLogger.Printf("Recording %s closed with %d samples\n", no.Filename, no.npy.RowsWritten())
	return err
}
