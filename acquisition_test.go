package headstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarderSampleFidelity(t *testing.T) {
	for _, nchan := range []int{1, 4, 24} {
		dev := newFakeDevice(nchan, 300)
		outlet := &fakeOutlet{}
		sf := newSampleForwarder(outlet, nil)
		require.NoError(t, dev.SetSampleCallback(sf.onSample))
		require.NoError(t, dev.StartDataAcquisition())
		for range 50 {
			require.NoError(t, dev.Service(0))
		}

		samples := outlet.received()
		require.Len(t, samples, 50)
		assert.EqualValues(t, 50, sf.Pushed())
		for k, s := range samples {
			require.Len(t, s, nchan, "sample %d", k)
			for i := range s {
				assert.Equal(t, s[0]+float32(i), s[i], "sample %d channel %d out of order", k, i)
			}
		}
	}
}

func TestForwarderPushFailure(t *testing.T) {
	dev := newFakeDevice(3, 300)
	outlet := &fakeOutlet{pushErr: errors.New("no consumer")}
	sf := newSampleForwarder(outlet, nil)
	for range 5 {
		sf.onSample(dev, 0)
	}
	assert.EqualValues(t, 0, sf.Pushed())
	assert.EqualValues(t, 5, sf.pushErrors.Load())
}

func TestForwarderStats(t *testing.T) {
	dev := newFakeDevice(2, 10)
	info := NewStreamInfo(dev, "test")
	outlet := &fakeOutlet{}
	sf := newSampleForwarder(outlet, info)
	require.NotNil(t, sf.stats)
	for range 25 {
		sf.onSample(dev, 0)
	}
	assert.EqualValues(t, 25, sf.Pushed())
}

func TestAcquisitionLoopStops(t *testing.T) {
	dev := newFakeDevice(4, 300)
	require.NoError(t, dev.StartDataAcquisition())
	cs := NewControlState()
	al := NewAcquisitionLoop(dev, cs, time.Millisecond, 0)
	done := make(chan struct{})
	go func() {
		al.Run()
		close(done)
	}()
	assert.Eventually(t, func() bool { return dev.nservice.Load() > 5 }, time.Second, time.Millisecond)
	cs.RequestStop()
	waitFor(t, done)
	assert.NoError(t, cs.Err())
}

// A fault on the 10th service call stops everything.
func TestAcquisitionLoopFault(t *testing.T) {
	dev := newFakeDevice(4, 300)
	dev.failServiceAt = 10
	require.NoError(t, dev.StartDataAcquisition())
	cs := NewControlState()
	al := NewAcquisitionLoop(dev, cs, time.Millisecond, 0)
	done := make(chan struct{})
	go func() {
		al.Run()
		close(done)
	}()
	waitFor(t, done)
	assert.False(t, cs.Running())
	assert.ErrorIs(t, cs.Err(), ErrService)
	assert.EqualValues(t, 10, dev.nservice.Load())
}

// The loop sleeps between service calls instead of spinning.
func TestAcquisitionLoopPeriod(t *testing.T) {
	dev := newFakeDevice(4, 300)
	require.NoError(t, dev.StartDataAcquisition())
	cs := NewControlState()
	al := NewAcquisitionLoop(dev, cs, 10*time.Millisecond, 0)
	done := make(chan struct{})
	go func() {
		al.Run()
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cs.RequestStop()
	waitFor(t, done)
	assert.LessOrEqual(t, dev.nservice.Load(), int64(12))
}
