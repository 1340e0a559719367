package headstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWorker(iw *ImpedanceWorker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		iw.Run()
		close(done)
	}()
	return done
}

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish")
	}
}

// A single request produces exactly one driver call.
func TestImpedanceStartOnce(t *testing.T) {
	dev := newFakeDevice(4, 300)
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Millisecond)
	done := runWorker(iw)

	cs.RequestImpedanceStart()
	assert.Eventually(t, func() bool { return dev.impedanceStarts.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, iw.DriverOn, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // many more polls
	assert.EqualValues(t, 1, dev.impedanceStarts.Load())

	cs.RequestImpedanceStop()
	assert.Eventually(t, func() bool { return dev.impedanceStops.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !iw.DriverOn() }, time.Second, time.Millisecond)

	cs.RequestStop()
	waitFor(t, done)
	assert.EqualValues(t, 1, dev.impedanceStarts.Load())
	assert.EqualValues(t, 1, dev.impedanceStops.Load())
	assert.NoError(t, cs.Err())
}

// Both flags set before a poll: only the stop happens.
func TestImpedanceStopWins(t *testing.T) {
	dev := newFakeDevice(4, 300)
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Hour)

	cs.RequestImpedanceStart()
	cs.RequestImpedanceStop()
	done := runWorker(iw)
	assert.Eventually(t, func() bool { return dev.impedanceStops.Load() == 1 }, time.Second, time.Millisecond)
	cs.RequestStop()
	waitFor(t, done)

	assert.EqualValues(t, 0, dev.impedanceStarts.Load())
	assert.EqualValues(t, 1, dev.impedanceStops.Load())
	assert.False(t, cs.ConsumeImpedanceStart(), "start request must be cleared")
	assert.False(t, iw.DriverOn())
}

func TestImpedanceCycle(t *testing.T) {
	dev := newFakeDevice(4, 300)
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Hour)

	require.NoError(t, iw.cycle())
	assert.Empty(t, dev.log.list(), "no request, no action")

	cs.RequestImpedanceStart()
	require.NoError(t, iw.cycle())
	require.NoError(t, iw.cycle())
	assert.Equal(t, []string{"StartImpedanceDriver"}, dev.log.list())
}

func TestImpedanceErrorStops(t *testing.T) {
	dev := newFakeDevice(4, 300)
	dev.impedanceErr = errors.New("driver refused")
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Millisecond)
	done := runWorker(iw)

	cs.RequestImpedanceStart()
	waitFor(t, done)
	assert.False(t, cs.Running())
	assert.ErrorIs(t, cs.Err(), ErrService)
	assert.False(t, iw.DriverOn())
}

func TestImpedanceWorkerStopsPromptly(t *testing.T) {
	dev := newFakeDevice(4, 300)
	cs := NewControlState()
	var mu sync.Mutex
	done := runWorker(NewImpedanceWorker(dev, cs, &mu, time.Hour))
	time.Sleep(5 * time.Millisecond)
	cs.RequestStop()
	waitFor(t, done)
}

// A driver transition waits for a configuration lock held elsewhere.
func TestImpedanceHoldsConfigLock(t *testing.T) {
	dev := newFakeDevice(4, 300)
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Millisecond)

	mu.Lock()
	done := runWorker(iw)
	cs.RequestImpedanceStart()
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, dev.impedanceStarts.Load())
	mu.Unlock()
	assert.Eventually(t, func() bool { return dev.impedanceStarts.Load() == 1 }, time.Second, time.Millisecond)
	cs.RequestStop()
	waitFor(t, done)
}

// Operator on/off pairs racing the worker always leave the driver off once every
// request is consumed.
func TestImpedanceStopAfterStartNeverLost(t *testing.T) {
	dev := newFakeDevice(4, 300)
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Hour)

	const pairs = 5000
	requested := make(chan struct{})
	go func() {
		defer close(requested)
		for range pairs {
			cs.RequestImpedanceStart()
			cs.RequestImpedanceStop()
		}
	}()
	for running := true; running; {
		select {
		case <-requested:
			running = false
		default:
		}
		require.NoError(t, iw.cycle())
	}
	require.NoError(t, iw.cycle())
	require.NoError(t, iw.cycle())
	assert.False(t, iw.DriverOn(), "last request was a stop")
	assert.False(t, cs.ConsumeImpedanceStart())
	assert.False(t, cs.ConsumeImpedanceStop())
}

func TestImpedanceReports(t *testing.T) {
	dev := newFakeDevice(3, 300)
	cs := NewControlState()
	var mu sync.Mutex
	iw := NewImpedanceWorker(dev, cs, &mu, time.Hour)
	t0 := time.Now()

	iw.report(t0)
	assert.EqualValues(t, 0, dev.impedanceReads.Load(), "driver is off")

	cs.RequestImpedanceStart()
	require.NoError(t, iw.cycle())
	iw.report(t0)
	assert.EqualValues(t, 1, dev.impedanceReads.Load())
	iw.report(t0.Add(impedanceReportInterval / 2))
	assert.EqualValues(t, 1, dev.impedanceReads.Load(), "too soon for another report")
	iw.report(t0.Add(impedanceReportInterval))
	assert.EqualValues(t, 2, dev.impedanceReads.Load())

	cs.RequestImpedanceStop()
	require.NoError(t, iw.cycle())
	iw.report(t0.Add(10 * impedanceReportInterval))
	assert.EqualValues(t, 2, dev.impedanceReads.Load())
}
