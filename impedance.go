package headstream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ImpedanceWorker starts and stops the device's impedance driver on request. Those
// calls can take hundreds of milliseconds, so they run here and not on the
// acquisition loop.
type ImpedanceWorker struct {
	dev      Device
	state    *ControlState
	configMu *sync.Mutex // serializes device configuration with the dispatcher's analog reset
	poll     time.Duration
	driverOn atomic.Bool

	reportEvery time.Duration // how often readings are published while the driver is on
	lastReport  time.Time
}

// impedanceReportInterval is the default time between published impedance readings.
const impedanceReportInterval = time.Second

// ImpedanceStatus is the IMPEDANCE client update. Readings are in kOhm, keyed by
// electrode, and are present only in periodic reports while the driver is on.
type ImpedanceStatus struct {
	DriverOn   bool
	Impedances map[string]float64 `json:",omitempty"`
	CMF        float64            `json:",omitempty"` // common-mode follower
}

// NewImpedanceWorker returns a worker that checks state for requests once per poll.
func NewImpedanceWorker(dev Device, state *ControlState, configMu *sync.Mutex, poll time.Duration) *ImpedanceWorker {
	return &ImpedanceWorker{dev: dev, state: state, configMu: configMu, poll: poll,
		reportEvery: impedanceReportInterval}
}

// DriverOn reports whether the impedance driver was last started (and not since stopped).
func (iw *ImpedanceWorker) DriverOn() bool {
	return iw.driverOn.Load()
}

// Run handles impedance requests until a stop is requested or the device faults.
func (iw *ImpedanceWorker) Run() {
	UpdateLogger.Println("Impedance worker started.")
	defer UpdateLogger.Println("Impedance worker finished.")

	ticker := time.NewTicker(iw.poll)
	defer ticker.Stop()
	for iw.state.Running() {
		if err := iw.cycle(); err != nil {
			ProblemLogger.Printf("Error in impedance worker; stopping: %v\n", err)
			iw.state.Fail(err)
			return
		}
		iw.report(time.Now())
		select {
		case <-iw.state.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle consumes both request flags and acts on at most one. Stop wins a tie, and
// the start request is discarded. A stop is always requested after the start it
// cancels, so stop is consumed both before and after start: a start-then-stop pair
// landing between the swaps still ends with the driver off.
func (iw *ImpedanceWorker) cycle() error {
	stop := iw.state.ConsumeImpedanceStop()
	start := iw.state.ConsumeImpedanceStart()
	if iw.state.ConsumeImpedanceStop() {
		stop = true
	}
	switch {
	case stop:
		if start {
			UpdateLogger.Println("Impedance start and stop both requested; stop wins.")
		}
		return iw.transition(false)
	case start:
		return iw.transition(true)
	}
	return nil
}

func (iw *ImpedanceWorker) transition(on bool) error {
	iw.configMu.Lock()
	defer iw.configMu.Unlock()

	var err error
	if on {
		UpdateLogger.Println("---------Starting Impedance Driver----------------")
		err = iw.dev.StartImpedanceDriver()
	} else {
		err = iw.dev.StopImpedanceDriver()
	}
	if err != nil {
		return fmt.Errorf("%w: impedance driver on=%t: %v", ErrService, on, err)
	}
	if !on {
		UpdateLogger.Println("----------Stopped Impedance Driver-------------")
	}
	iw.driverOn.Store(on)
	publishUpdate("IMPEDANCE", ImpedanceStatus{DriverOn: on})
	return nil
}

// report publishes the device's impedance readings if the driver is on and the
// last report is at least reportEvery old. A failed read is logged and skipped.
func (iw *ImpedanceWorker) report(now time.Time) {
	if !iw.driverOn.Load() || now.Sub(iw.lastReport) < iw.reportEvery {
		return
	}
	iw.lastReport = now
	eeg, cmf, err := iw.dev.Impedances()
	if err != nil {
		ProblemLogger.Printf("Could not read impedances: %v\n", err)
		return
	}
	publishUpdate("IMPEDANCE", ImpedanceStatus{DriverOn: true, Impedances: eeg, CMF: cmf})
}
