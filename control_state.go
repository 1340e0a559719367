package headstream

import (
	"sync"
	"sync/atomic"
)

// ControlState is the coordination point between the command dispatcher, the
// acquisition loop, and the impedance worker. Each flag is independently atomic;
// the tie-break between impedance start and stop is applied by the reader.
type ControlState struct {
	running        atomic.Bool
	impedanceStart atomic.Bool
	impedanceStop  atomic.Bool

	done     chan struct{} // closed once, when running goes false
	stopOnce sync.Once

	errLock sync.Mutex
	err     error // first fatal error reported through Fail
}

// NewControlState returns a ControlState in the running condition.
func NewControlState() *ControlState {
	cs := &ControlState{done: make(chan struct{})}
	cs.running.Store(true)
	return cs
}

// Running reports whether the system should remain active. Once false, it is
// never true again.
func (cs *ControlState) Running() bool {
	return cs.running.Load()
}

// RequestStop sets running to false. It is idempotent.
func (cs *ControlState) RequestStop() {
	cs.running.Store(false)
	cs.stopOnce.Do(func() { close(cs.done) })
}

// Done returns a channel that is closed when RequestStop is first called.
func (cs *ControlState) Done() <-chan struct{} {
	return cs.done
}

// Fail records err as the run's fatal error (only the first one is kept) and
// requests a stop.
func (cs *ControlState) Fail(err error) {
	cs.errLock.Lock()
	if cs.err == nil {
		cs.err = err
	}
	cs.errLock.Unlock()
	cs.RequestStop()
}

// Err returns the first error passed to Fail, or nil.
func (cs *ControlState) Err() error {
	cs.errLock.Lock()
	defer cs.errLock.Unlock()
	return cs.err
}

// RequestImpedanceStart asks the impedance worker to start the impedance driver.
// An unconsumed earlier request is simply replaced.
func (cs *ControlState) RequestImpedanceStart() {
	cs.impedanceStart.Store(true)
}

// RequestImpedanceStop asks the impedance worker to stop the impedance driver.
func (cs *ControlState) RequestImpedanceStop() {
	cs.impedanceStop.Store(true)
}

// ConsumeImpedanceStart clears the start request and reports whether it was set.
func (cs *ControlState) ConsumeImpedanceStart() bool {
	return cs.impedanceStart.Swap(false)
}

// ConsumeImpedanceStop clears the stop request and reports whether it was set.
func (cs *ControlState) ConsumeImpedanceStop() bool {
	return cs.impedanceStop.Swap(false)
}
