package headstream

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting of a streaming session.
type Config struct {
	Port       string // device endpoint, such as a serial port; empty means the device default
	Montage    string
	Reference  string
	Verbosity  int
	StreamName string

	AcquisitionPeriod time.Duration // sleep between Device.Service calls
	ServiceTimeout    time.Duration // timeout passed to each Device.Service call
	ImpedancePoll     time.Duration // how often the impedance worker checks for requests
	ResetSettle       time.Duration // wait after starting an analog reset
	DrainWindow       time.Duration // final Service call after acquisition stops
	JoinTimeout       time.Duration // how long to wait for the workers before a hard exit

	RecordDirectory string // if set, also record all samples to a .npy file here
	BasePort        int
	RPC             bool // serve the JSON-RPC control interface
	Verbose         bool

	DatabaseEnabled bool
	DatabaseAddr    string
}

// Config keys, shared by the config file and the command-line flags.
const (
	keyPort              = "port"
	keyMontage           = "montage"
	keyReference         = "reference"
	keyVerbosity         = "verbosity"
	keyStreamName        = "stream-name"
	keyAcquisitionPeriod = "acquisition-period"
	keyServiceTimeout    = "service-timeout"
	keyImpedancePoll     = "impedance-poll"
	keyResetSettle       = "reset-settle"
	keyDrainWindow       = "drain-window"
	keyJoinTimeout       = "join-timeout"
	keyRecordDirectory   = "record-dir"
	keyBasePort          = "base-port"
	keyRPC               = "rpc"
	keyVerbose           = "verbose"
	keyDatabaseEnabled   = "database.enabled"
	keyDatabaseAddr      = "database.addr"
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Verbosity:         2,
		StreamName:        "WS-default",
		AcquisitionPeriod: 2 * time.Millisecond,
		ImpedancePoll:     20 * time.Millisecond,
		ResetSettle:       2 * time.Second,
		DrainWindow:       time.Second,
		JoinTimeout:       10 * time.Second,
		BasePort:          5600,
		RPC:               true,
		DatabaseAddr:      "localhost:9000",
	}
}

// SetConfigDefaults registers DefaultConfig's values as defaults in v.
func SetConfigDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(keyPort, d.Port)
	v.SetDefault(keyMontage, d.Montage)
	v.SetDefault(keyReference, d.Reference)
	v.SetDefault(keyVerbosity, d.Verbosity)
	v.SetDefault(keyStreamName, d.StreamName)
	v.SetDefault(keyAcquisitionPeriod, d.AcquisitionPeriod)
	v.SetDefault(keyServiceTimeout, d.ServiceTimeout)
	v.SetDefault(keyImpedancePoll, d.ImpedancePoll)
	v.SetDefault(keyResetSettle, d.ResetSettle)
	v.SetDefault(keyDrainWindow, d.DrainWindow)
	v.SetDefault(keyJoinTimeout, d.JoinTimeout)
	v.SetDefault(keyRecordDirectory, d.RecordDirectory)
	v.SetDefault(keyBasePort, d.BasePort)
	v.SetDefault(keyRPC, d.RPC)
	v.SetDefault(keyVerbose, d.Verbose)
	v.SetDefault(keyDatabaseEnabled, d.DatabaseEnabled)
	v.SetDefault(keyDatabaseAddr, d.DatabaseAddr)
}

// LoadConfig reads a Config out of v and checks it.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:              v.GetString(keyPort),
		Montage:           v.GetString(keyMontage),
		Reference:         v.GetString(keyReference),
		Verbosity:         v.GetInt(keyVerbosity),
		StreamName:        v.GetString(keyStreamName),
		AcquisitionPeriod: v.GetDuration(keyAcquisitionPeriod),
		ServiceTimeout:    v.GetDuration(keyServiceTimeout),
		ImpedancePoll:     v.GetDuration(keyImpedancePoll),
		ResetSettle:       v.GetDuration(keyResetSettle),
		DrainWindow:       v.GetDuration(keyDrainWindow),
		JoinTimeout:       v.GetDuration(keyJoinTimeout),
		RecordDirectory:   v.GetString(keyRecordDirectory),
		BasePort:          v.GetInt(keyBasePort),
		RPC:               v.GetBool(keyRPC),
		Verbose:           v.GetBool(keyVerbose),
		DatabaseEnabled:   v.GetBool(keyDatabaseEnabled),
		DatabaseAddr:      v.GetString(keyDatabaseAddr),
	}
	return cfg, cfg.Validate()
}

// Validate returns an error describing the first unusable setting, if any.
func (c *Config) Validate() error {
	switch {
	case c.StreamName == "":
		return fmt.Errorf("%s must not be empty", keyStreamName)
	case c.Verbosity < 0:
		return fmt.Errorf("%s=%d, must be non-negative", keyVerbosity, c.Verbosity)
	case c.AcquisitionPeriod <= 0:
		return fmt.Errorf("%s=%v, must be positive", keyAcquisitionPeriod, c.AcquisitionPeriod)
	case c.ImpedancePoll <= 0:
		return fmt.Errorf("%s=%v, must be positive", keyImpedancePoll, c.ImpedancePoll)
	case c.JoinTimeout <= 0:
		return fmt.Errorf("%s=%v, must be positive", keyJoinTimeout, c.JoinTimeout)
	case c.ServiceTimeout < 0 || c.ResetSettle < 0 || c.DrainWindow < 0:
		return fmt.Errorf("%s, %s, and %s must not be negative", keyServiceTimeout, keyResetSettle, keyDrainWindow)
	case c.BasePort <= 0 || c.BasePort > 65533:
		return fmt.Errorf("%s=%d is not a usable TCP port", keyBasePort, c.BasePort)
	}
	return nil
}
