package headstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ChannelInfo is the metadata published for one channel of a stream.
type ChannelInfo struct {
	Label string
	Unit  string
	Type  string
}

// StreamInfo describes a stream of samples: everything a downstream consumer needs
// to interpret the sample vectors pushed to an Outlet.
type StreamInfo struct {
	Name         string
	ContentType  string
	ChannelCount int
	SampleRate   float64
	ValueType    string
	SourceID     string
	Manufacturer string
	Reference    string
	Channels     []ChannelInfo
}

// Sink creates outlets, the destinations for finished samples.
type Sink interface {
	CreateOutlet(info *StreamInfo) (Outlet, error)
}

// Outlet accepts finished samples. PushSample must not retain buf after it returns.
// Destroy releases the outlet; later calls to either method return an error.
type Outlet interface {
	PushSample(buf []float32) error
	Destroy() error
}

// NewStreamInfo builds the StreamInfo for a connected device. Channel labels drop
// everything from the first "-" on, so "P3-Pz" is published as "P3".
func NewStreamInfo(dev Device, name string) *StreamInfo {
	nchan := dev.ChannelCount()
	info := &StreamInfo{
		Name:         name,
		ContentType:  "EEG",
		ChannelCount: nchan,
		SampleRate:   dev.SampleRate(),
		ValueType:    "float32",
		SourceID:     ulid.Make().String(),
		Manufacturer: "WearableSensing",
		Reference:    dev.ReferenceName(),
		Channels:     make([]ChannelInfo, nchan),
	}
	for i := range nchan {
		info.Channels[i] = ChannelInfo{
			Label: shortLabel(dev.ChannelName(i)),
			Unit:  "microvolts",
			Type:  "EEG",
		}
	}
	return info
}

func shortLabel(long string) string {
	if short, _, _ := strings.Cut(long, "-"); short != "" {
		return short
	}
	return long
}

// TeeSink creates one outlet in each of its sinks and pushes every sample to all of them.
type TeeSink []Sink

// CreateOutlet creates an outlet per sink. If any fails, those already created are destroyed.
func (ts TeeSink) CreateOutlet(info *StreamInfo) (Outlet, error) {
	tee := make(teeOutlet, 0, len(ts))
	for _, s := range ts {
		o, err := s.CreateOutlet(info)
		if err != nil {
			tee.Destroy()
			return nil, err
		}
		tee = append(tee, o)
	}
	return tee, nil
}

type teeOutlet []Outlet

func (to teeOutlet) PushSample(buf []float32) error {
	var errs []error
	for _, o := range to {
		if err := o.PushSample(buf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (to teeOutlet) Destroy() error {
	var errs []error
	for _, o := range to {
		if err := o.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("destroying %d outlets: %w", len(to), errors.Join(errs...))
	}
	return nil
}
