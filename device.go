package headstream

import (
	"fmt"
	"time"
)

// DeviceAPIVersion is the headset API version this code was written against.
const DeviceAPIVersion = "1.20.1"

// SampleCallback is invoked by Device.Service once per new sample, on the goroutine
// that called Service. It reads the current per-channel values back from dev.
type SampleCallback func(dev Device, packetOffsetTime float64)

// MessageCallback receives diagnostic messages from the device. Higher levels are
// more low-level and more numerous.
type MessageCallback func(msg string, level int)

// Device is the interface for a connected headset session (or a simulation of one).
// Implementations must allow Service to run concurrently with the configuration
// methods, since acquisition and impedance control use different goroutines.
type Device interface {
	SetMessageCallback(MessageCallback) error
	SetVerbosity(level int) error
	Connect(endpoint string) error
	ConfigureChannels(montage, reference string) error

	// Service drains pending data, waiting at most timeout for some to arrive. The
	// sample callback runs zero or more times before it returns.
	Service(timeout time.Duration) error
	SetSampleCallback(SampleCallback) error
	StartDataAcquisition() error
	StopDataAcquisition() error

	StartImpedanceDriver() error
	StopImpedanceDriver() error
	StartAnalogReset() error
	AnalogResetMode() int

	// Impedances returns the latest impedance of each EEG source, keyed by electrode
	// name, and of the common-mode follower, all in kOhm. Meaningful only while the
	// impedance driver is on.
	Impedances() (eeg map[string]float64, cmf float64, err error)

	ChannelCount() int
	SampleRate() float64
	ChannelSignal(index int) float64
	ChannelName(index int) string
	ReferenceName() string
	InfoString() string
	APIVersion() string

	// LastError returns and clears any fault raised asynchronously by the device.
	LastError() error
	Close() error
}

// DeviceOpener creates a new, unconnected Device.
type DeviceOpener func() (Device, error)

// checkAPIVersion returns an ErrProtocolMismatch error if the device reports an API
// version other than DeviceAPIVersion.
func checkAPIVersion(dev Device) error {
	if v := dev.APIVersion(); v != DeviceAPIVersion {
		return fmt.Errorf("%w: built against %s but device reports %s", ErrProtocolMismatch,
			DeviceAPIVersion, v)
	}
	return nil
}

// logDeviceMessage is the MessageCallback installed on every device.
func logDeviceMessage(msg string, level int) {
	UpdateLogger.Printf("DSI Message (level %d): %s\n", level, msg)
}
