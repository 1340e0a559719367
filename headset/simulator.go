// Package headset provides a simulated DSI headset that needs no hardware.
package headset

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/headstream"
)

// Impedance drive frequencies, in Hz. Even-numbered channels see the first and
// odd-numbered channels the second while the driver is on.
const (
	DriveFrequencyA = 110.0
	DriveFrequencyB = 130.0
)

// Simulated impedances, in kOhm.
const (
	SourceImpedance = 5.0 // the first electrode; later ones are 0.5 higher each
	CMFImpedance    = 1.2
)

// DefaultChannels is the full montage of the simulated headset.
var DefaultChannels = []string{"Fp1", "Fp2", "F7", "F3", "Fz", "F4", "F8", "C3", "Cz",
	"C4", "T3", "T4", "T5", "P3", "P4", "T6", "O1", "O2"}

// Config sets up a Simulator.
type Config struct {
	Channels         []string      // available electrodes; DefaultChannels if empty
	Reference        string        // default reference electrode, "Pz" if empty
	SampleRate       float64       // samples per second; 300 if zero
	ImpedanceLatency time.Duration // how long starting or stopping the impedance driver takes
	ResetLatency     time.Duration // how long StartAnalogReset blocks
	APIVersion       string        // reported API version; headstream.DeviceAPIVersion if empty
	FailServiceAt    int           // if positive, that Service call (counting from 1) faults
}

// Simulator is a drop in replacement for a DSI headset (implements headstream.Device)
// that produces synthetic EEG at a steady rate.
type Simulator struct {
	cfg  Config
	lock sync.Mutex

	endpoint    string
	connected   bool
	closed      bool
	acquiring   bool
	impedanceOn bool
	resetMode   int
	verbosity   int

	channels   []string // long names, like "P3-Pz"
	electrodes []string
	reference  string
	signal    []float64

	sampleCB  headstream.SampleCallback
	messageCB headstream.MessageCallback

	started   time.Time // when acquisition started
	nsamples  int64     // samples produced since started
	nservice  int
	lastError error
}

// New returns an unconnected Simulator.
func New(cfg Config) *Simulator {
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.Reference == "" {
		cfg.Reference = "Pz"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 300
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = headstream.DeviceAPIVersion
	}
	return &Simulator{cfg: cfg}
}

// Opener returns a headstream.DeviceOpener that makes a new Simulator from cfg.
func Opener(cfg Config) headstream.DeviceOpener {
	return func() (headstream.Device, error) {
		return New(cfg), nil
	}
}

// message sends msg to the message callback if its level is within the verbosity.
// Call with s.lock held; the callback runs after the lock is released by the caller.
func (s *Simulator) message(level int, format string, args ...any) func() {
	cb := s.messageCB
	if cb == nil || level > s.verbosity {
		return func() {}
	}
	msg := fmt.Sprintf(format, args...)
	return func() { cb(msg, level) }
}

// SetMessageCallback sets the function that receives device messages.
func (s *Simulator) SetMessageCallback(cb headstream.MessageCallback) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.messageCB = cb
	return nil
}

// SetVerbosity sets the highest message level passed to the message callback.
func (s *Simulator) SetVerbosity(level int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.verbosity = level
	return nil
}

// Connect errors if already connected or closed
func (s *Simulator) Connect(endpoint string) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return fmt.Errorf("Simulator.Connect: already closed")
	}
	if s.connected {
		s.lock.Unlock()
		return fmt.Errorf("Simulator.Connect: already connected to %q", s.endpoint)
	}
	if endpoint == "" {
		endpoint = "simulated"
	}
	s.endpoint = endpoint
	s.connected = true
	s.setChannels(s.cfg.Channels, s.cfg.Reference)
	say := s.message(1, "connected to %s", endpoint)
	s.lock.Unlock()
	say()
	return nil
}

func (s *Simulator) setChannels(electrodes []string, reference string) {
	s.reference = reference
	s.electrodes = slices.Clone(electrodes)
	s.channels = make([]string, len(electrodes))
	for i, e := range electrodes {
		s.channels[i] = e + "-" + reference
	}
	s.signal = make([]float64, len(electrodes))
}

// ConfigureChannels selects the electrodes named in montage (separated by spaces or
// commas; all of them if empty) and the reference electrode (the default if empty).
func (s *Simulator) ConfigureChannels(montage, reference string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.connected {
		return fmt.Errorf("Simulator.ConfigureChannels: not connected")
	}
	if s.acquiring {
		return fmt.Errorf("Simulator.ConfigureChannels: cannot change channels while acquiring")
	}
	electrodes := s.cfg.Channels
	if montage != "" {
		electrodes = strings.FieldsFunc(montage, func(r rune) bool { return r == ' ' || r == ',' })
		for _, e := range electrodes {
			if !slices.Contains(s.cfg.Channels, e) {
				return fmt.Errorf("Simulator.ConfigureChannels: no electrode %q", e)
			}
		}
	}
	if reference == "" {
		reference = s.cfg.Reference
	}
	s.setChannels(electrodes, reference)
	return nil
}

// Service produces every sample due since the last call, calling the sample
// callback for each. If none is due it waits up to timeout for one.
func (s *Simulator) Service(timeout time.Duration) error {
	s.lock.Lock()
	if !s.connected || s.closed {
		s.lock.Unlock()
		return fmt.Errorf("Simulator.Service: not connected")
	}
	s.nservice++
	if s.cfg.FailServiceAt > 0 && s.nservice == s.cfg.FailServiceAt {
		s.lastError = fmt.Errorf("simulated fault on service call %d", s.nservice)
		s.lock.Unlock()
		return nil
	}
	if !s.acquiring {
		s.lock.Unlock()
		time.Sleep(timeout)
		return nil
	}
	due := s.samplesDue(time.Now())
	if due == 0 && timeout > 0 {
		next := s.started.Add(time.Duration(float64(s.nsamples+1) / s.cfg.SampleRate * float64(time.Second)))
		wait := min(time.Until(next), timeout)
		s.lock.Unlock()
		time.Sleep(wait)
		s.lock.Lock()
		due = s.samplesDue(time.Now())
	}
	s.lock.Unlock()

	for range due {
		s.lock.Lock()
		if !s.acquiring {
			s.lock.Unlock()
			break
		}
		s.nsamples++
		t := float64(s.nsamples) / s.cfg.SampleRate
		s.computeSignal(t)
		cb := s.sampleCB
		s.lock.Unlock()
		if cb != nil {
			cb(s, t)
		}
	}
	return nil
}

func (s *Simulator) samplesDue(now time.Time) int64 {
	produced := int64(now.Sub(s.started).Seconds() * s.cfg.SampleRate)
	return max(produced-s.nsamples, 0)
}

// computeSignal fills s.signal with a 10 Hz alpha rhythm plus, while the impedance
// driver is on, the drive signal.
func (s *Simulator) computeSignal(t float64) {
	for i := range s.signal {
		v := 20*math.Sin(2*math.Pi*10*t+float64(i)) + float64(i)
		if s.impedanceOn {
			f := DriveFrequencyA
			if i%2 == 1 {
				f = DriveFrequencyB
			}
			v += 500 * math.Sin(2*math.Pi*f*t)
		}
		s.signal[i] = v
	}
}

// SetSampleCallback sets the function Service calls for each new sample. A nil
// callback discards samples.
func (s *Simulator) SetSampleCallback(cb headstream.SampleCallback) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sampleCB = cb
	return nil
}

// StartDataAcquisition errors if not connected or already acquiring
func (s *Simulator) StartDataAcquisition() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.connected {
		return fmt.Errorf("Simulator.StartDataAcquisition: not connected")
	}
	if s.acquiring {
		return fmt.Errorf("Simulator.StartDataAcquisition: already acquiring")
	}
	s.acquiring = true
	s.started = time.Now()
	s.nsamples = 0
	return nil
}

// StopDataAcquisition errors if not acquiring
func (s *Simulator) StopDataAcquisition() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.acquiring {
		return fmt.Errorf("Simulator.StopDataAcquisition: not acquiring")
	}
	s.acquiring = false
	return nil
}

// StartImpedanceDriver errors unless acquiring. It takes ImpedanceLatency.
func (s *Simulator) StartImpedanceDriver() error {
	return s.setImpedance(true)
}

// StopImpedanceDriver takes ImpedanceLatency. Stopping a driver that is off is allowed.
func (s *Simulator) StopImpedanceDriver() error {
	return s.setImpedance(false)
}

func (s *Simulator) setImpedance(on bool) error {
	s.lock.Lock()
	if on && !s.acquiring {
		s.lock.Unlock()
		return fmt.Errorf("Simulator.StartImpedanceDriver: data acquisition is not running")
	}
	s.lock.Unlock()

	time.Sleep(s.cfg.ImpedanceLatency)

	s.lock.Lock()
	s.impedanceOn = on
	say := s.message(2, "impedance driver on=%t", on)
	s.lock.Unlock()
	say()
	return nil
}

// StartAnalogReset blocks for ResetLatency and advances the reset mode.
func (s *Simulator) StartAnalogReset() error {
	s.lock.Lock()
	if !s.connected {
		s.lock.Unlock()
		return fmt.Errorf("Simulator.StartAnalogReset: not connected")
	}
	s.lock.Unlock()

	time.Sleep(s.cfg.ResetLatency)

	s.lock.Lock()
	s.resetMode = (s.resetMode + 1) % 4
	say := s.message(2, "analog reset complete, mode %d", s.resetMode)
	s.lock.Unlock()
	say()
	return nil
}

// Impedances returns a steady impedance for each selected electrode, which rises
// along the montage, and for the common-mode follower. It errors unless the
// impedance driver is on.
func (s *Simulator) Impedances() (map[string]float64, float64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.impedanceOn {
		return nil, 0, fmt.Errorf("Simulator.Impedances: impedance driver is off")
	}
	z := make(map[string]float64, len(s.electrodes))
	for i, e := range s.electrodes {
		z[e] = SourceImpedance + 0.5*float64(i)
	}
	return z, CMFImpedance, nil
}

// AnalogResetMode returns the current analog reset mode.
func (s *Simulator) AnalogResetMode() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.resetMode
}

// ChannelCount returns the number of selected channels.
func (s *Simulator) ChannelCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.channels)
}

// SampleRate returns the sample rate in Hz.
func (s *Simulator) SampleRate() float64 {
	return s.cfg.SampleRate
}

// ChannelSignal returns channel index's value in the most recent sample, in microvolts.
func (s *Simulator) ChannelSignal(index int) float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	if index < 0 || index >= len(s.signal) {
		return math.NaN()
	}
	return s.signal[index]
}

// ChannelName returns the long name of channel index, like "P3-Pz".
func (s *Simulator) ChannelName(index int) string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if index < 0 || index >= len(s.channels) {
		return ""
	}
	return s.channels[index]
}

// ReferenceName returns the reference electrode.
func (s *Simulator) ReferenceName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.reference
}

// InfoString describes the simulated headset.
func (s *Simulator) InfoString() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return fmt.Sprintf("Simulated DSI headset on %s: %d channels at %.0f Hz, reference %s",
		s.endpoint, len(s.channels), s.cfg.SampleRate, s.reference)
}

// APIVersion returns the configured API version.
func (s *Simulator) APIVersion() string {
	return s.cfg.APIVersion
}

// LastError returns and clears any injected fault.
func (s *Simulator) LastError() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	err := s.lastError
	s.lastError = nil
	return err
}

// Close errors if already closed
func (s *Simulator) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("Simulator.Close: already closed")
	}
	s.closed = true
	s.acquiring = false
	s.sampleCB = nil
	return nil
}

// Inspect returns a dump of the simulator's state.
func (s *Simulator) Inspect() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return spew.Sdump(s.cfg, s.endpoint, s.channels, s.acquiring, s.impedanceOn, s.nsamples)
}
