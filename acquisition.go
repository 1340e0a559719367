package headstream

import (
	"fmt"
	"sync/atomic"
	"time"
)

// sampleForwarder is the SampleCallback that copies each new sample out of the
// device and pushes it to an outlet. It runs on the acquisition loop's goroutine,
// inside Device.Service.
type sampleForwarder struct {
	outlet     Outlet
	sample     []float32
	stats      *statsAccumulator // nil to skip channel statistics
	pushed     atomic.Int64
	pushErrors atomic.Int64
}

func newSampleForwarder(outlet Outlet, info *StreamInfo) *sampleForwarder {
	sf := &sampleForwarder{outlet: outlet}
	if info != nil && info.SampleRate > 0 {
		labels := make([]string, len(info.Channels))
		for i, c := range info.Channels {
			labels[i] = c.Label
		}
		// About one summary per second of data.
		sf.stats = newStatsAccumulator(labels, int(info.SampleRate))
	}
	return sf
}

func (sf *sampleForwarder) onSample(dev Device, packetOffsetTime float64) {
	nchan := dev.ChannelCount()
	if len(sf.sample) != nchan {
		sf.sample = make([]float32, nchan)
	}
	for i := range sf.sample {
		sf.sample[i] = float32(dev.ChannelSignal(i))
	}
	if err := sf.outlet.PushSample(sf.sample); err != nil {
		// Report the first failure and then every 1000th, not each one.
		if n := sf.pushErrors.Add(1); n == 1 || n%1000 == 0 {
			ProblemLogger.Printf("Outlet push failed (%d failures so far): %v\n", n, err)
		}
		return
	}
	sf.pushed.Add(1)
	if sf.stats != nil {
		if cs, ok := sf.stats.add(sf.sample); ok {
			publishUpdate("CHANSTATS", cs)
		}
	}
}

// Pushed returns the number of samples delivered to the outlet.
func (sf *sampleForwarder) Pushed() int64 {
	return sf.pushed.Load()
}

// AcquisitionLoop keeps a device serviced so that new samples are drained and
// delivered, sleeping between service calls so as not to spin a CPU.
type AcquisitionLoop struct {
	dev            Device
	state          *ControlState
	period         time.Duration
	serviceTimeout time.Duration
	nservice       int
}

// NewAcquisitionLoop returns a loop that calls dev.Service(serviceTimeout) once
// every period until state stops running.
func NewAcquisitionLoop(dev Device, state *ControlState, period, serviceTimeout time.Duration) *AcquisitionLoop {
	return &AcquisitionLoop{dev: dev, state: state, period: period, serviceTimeout: serviceTimeout}
}

// Run services the device until a stop is requested or the device faults. A fault
// is logged and escalated through ControlState.Fail.
func (al *AcquisitionLoop) Run() {
	UpdateLogger.Println("Acquisition loop started.")
	defer UpdateLogger.Println("Acquisition loop finished.")

	for al.state.Running() {
		if err := al.service(); err != nil {
			ProblemLogger.Printf("Error in acquisition loop; stopping: %v\n", err)
			al.state.Fail(err)
			return
		}
		select {
		case <-al.state.Done():
			return
		case <-time.After(al.period):
		}
	}
}

func (al *AcquisitionLoop) service() error {
	al.nservice++
	err := al.dev.Service(al.serviceTimeout)
	if err == nil {
		err = al.dev.LastError()
	}
	if err != nil {
		return fmt.Errorf("%w: service call %d: %v", ErrService, al.nservice, err)
	}
	return nil
}
