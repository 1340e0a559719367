package headstream

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// callLog records device and sink calls in the order they happen.
type callLog struct {
	lock    sync.Mutex
	entries []string
}

func (cl *callLog) add(entry string) {
	cl.lock.Lock()
	defer cl.lock.Unlock()
	cl.entries = append(cl.entries, entry)
}

func (cl *callLog) list() []string {
	cl.lock.Lock()
	defer cl.lock.Unlock()
	return slices.Clone(cl.entries)
}

// index returns the position of the first entry equal to e, or -1.
func (cl *callLog) index(e string) int {
	return slices.Index(cl.list(), e)
}

// fakeDevice is a Device that produces one sample per Service call while acquiring.
type fakeDevice struct {
	log        *callLog
	nchan      int
	rate       float64
	apiVersion string

	connectErr     error
	acquireErr     error
	impedanceErr   error
	failServiceAt  int           // if positive, that Service call returns an error
	serviceBlock   chan struct{} // if non-nil, Service waits for it to close
	impedanceDelay time.Duration
	resetDelay     time.Duration

	lock      sync.Mutex
	cb        SampleCallback
	acquiring bool
	nsamples  int

	nservice        atomic.Int64 // Service calls while acquiring
	impedanceStarts atomic.Int64
	impedanceStops  atomic.Int64
	resets          atomic.Int64
	impedanceReads  atomic.Int64
	closes          atomic.Int64
	inConfig        atomic.Int32
	overlap         atomic.Bool // two configuration calls ran at once
}

func newFakeDevice(nchan int, rate float64) *fakeDevice {
	return &fakeDevice{log: &callLog{}, nchan: nchan, rate: rate, apiVersion: DeviceAPIVersion}
}

func (f *fakeDevice) opener() DeviceOpener {
	return func() (Device, error) { return f, nil }
}

func (f *fakeDevice) SetMessageCallback(MessageCallback) error {
	f.log.add("SetMessageCallback")
	return nil
}

func (f *fakeDevice) SetVerbosity(level int) error {
	f.log.add("SetVerbosity")
	return nil
}

func (f *fakeDevice) Connect(endpoint string) error {
	f.log.add("Connect")
	return f.connectErr
}

func (f *fakeDevice) ConfigureChannels(montage, reference string) error {
	f.log.add("ConfigureChannels")
	return nil
}

func (f *fakeDevice) Service(timeout time.Duration) error {
	f.lock.Lock()
	if !f.acquiring {
		f.lock.Unlock()
		f.log.add("drain")
		return nil
	}
	n := f.nservice.Add(1)
	if f.failServiceAt > 0 && int(n) == f.failServiceAt {
		f.lock.Unlock()
		return fmt.Errorf("link lost on call %d", n)
	}
	block := f.serviceBlock
	f.nsamples++
	cb := f.cb
	f.lock.Unlock()

	if block != nil {
		<-block
	}
	if cb != nil {
		cb(f, float64(n)/f.rate)
	}
	return nil
}

func (f *fakeDevice) SetSampleCallback(cb SampleCallback) error {
	if cb == nil {
		f.log.add("SetSampleCallback(nil)")
	} else {
		f.log.add("SetSampleCallback")
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.cb = cb
	return nil
}

func (f *fakeDevice) StartDataAcquisition() error {
	f.log.add("StartDataAcquisition")
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.acquiring = true
	return nil
}

func (f *fakeDevice) StopDataAcquisition() error {
	f.log.add("StopDataAcquisition")
	f.lock.Lock()
	defer f.lock.Unlock()
	f.acquiring = false
	return nil
}

// configure marks a configuration call in progress for delay, noting any overlap.
func (f *fakeDevice) configure(delay time.Duration) {
	if f.inConfig.Add(1) > 1 {
		f.overlap.Store(true)
	}
	time.Sleep(delay)
	f.inConfig.Add(-1)
}

func (f *fakeDevice) StartImpedanceDriver() error {
	f.log.add("StartImpedanceDriver")
	f.configure(f.impedanceDelay)
	f.impedanceStarts.Add(1)
	return f.impedanceErr
}

func (f *fakeDevice) StopImpedanceDriver() error {
	f.log.add("StopImpedanceDriver")
	f.configure(f.impedanceDelay)
	f.impedanceStops.Add(1)
	return f.impedanceErr
}

func (f *fakeDevice) StartAnalogReset() error {
	f.log.add("StartAnalogReset")
	f.configure(f.resetDelay)
	f.resets.Add(1)
	return nil
}

func (f *fakeDevice) Impedances() (map[string]float64, float64, error) {
	f.impedanceReads.Add(1)
	z := make(map[string]float64, f.nchan)
	for i := range f.nchan {
		z[fmt.Sprintf("E%d", i)] = float64(10 + i)
	}
	return z, 1.5, nil
}

func (f *fakeDevice) AnalogResetMode() int { return 1 }
func (f *fakeDevice) ChannelCount() int    { return f.nchan }
func (f *fakeDevice) SampleRate() float64  { return f.rate }

// ChannelSignal encodes the sample number and channel index, so order can be checked.
func (f *fakeDevice) ChannelSignal(index int) float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return float64(1000*f.nsamples + index)
}

func (f *fakeDevice) ChannelName(index int) string { return fmt.Sprintf("E%d-Pz", index) }
func (f *fakeDevice) ReferenceName() string        { return "Pz" }
func (f *fakeDevice) InfoString() string           { return "fake headset" }
func (f *fakeDevice) APIVersion() string           { return f.apiVersion }
func (f *fakeDevice) LastError() error             { return nil }

func (f *fakeDevice) Close() error {
	f.log.add("Close")
	f.closes.Add(1)
	return nil
}

// fakeSink creates fakeOutlets and remembers them.
type fakeSink struct {
	log        *callLog
	createErr  error
	destroyErr error // given to every outlet created

	lock    sync.Mutex
	outlets []*fakeOutlet
}

func (fs *fakeSink) CreateOutlet(info *StreamInfo) (Outlet, error) {
	if fs.log != nil {
		fs.log.add("CreateOutlet")
	}
	if fs.createErr != nil {
		return nil, fs.createErr
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fo := &fakeOutlet{log: fs.log, info: info, destroyErr: fs.destroyErr}
	fs.outlets = append(fs.outlets, fo)
	return fo, nil
}

func (fs *fakeSink) created() []*fakeOutlet {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return slices.Clone(fs.outlets)
}

var errDestroyed = errors.New("outlet destroyed")

type fakeOutlet struct {
	log     *callLog
	info       *StreamInfo
	pushErr    error
	destroyErr error

	lock      sync.Mutex
	samples   [][]float32
	destroyed int
}

func (fo *fakeOutlet) PushSample(buf []float32) error {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	if fo.destroyed > 0 {
		return errDestroyed
	}
	if fo.pushErr != nil {
		return fo.pushErr
	}
	fo.samples = append(fo.samples, slices.Clone(buf))
	return nil
}

func (fo *fakeOutlet) Destroy() error {
	if fo.log != nil {
		fo.log.add("Destroy")
	}
	fo.lock.Lock()
	defer fo.lock.Unlock()
	fo.destroyed++
	if fo.destroyed > 1 {
		return errDestroyed
	}
	return fo.destroyErr
}

func (fo *fakeOutlet) received() [][]float32 {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	return slices.Clone(fo.samples)
}

func (fo *fakeOutlet) destroyCount() int {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	return fo.destroyed
}
