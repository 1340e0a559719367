package headstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// Each sample goes out on the data port as a 2-frame ZMQ message: a fixed header,
// then the channel values as little-endian float32.
//
// Header layout (little-endian):
//
//	byte  0     packet format version
//	byte  1     bytes per value (4)
//	bytes 2-3   number of channels
//	bytes 4-11  sample serial number, counting from 0 per outlet
//	bytes 12-19 push time, nanoseconds since the Unix epoch
const (
	packetVersion    = 0
	packetHeaderSize = 20
)

// SamplePacket is one decoded data-port message.
type SamplePacket struct {
	Serial uint64
	Time   time.Time
	Values []float32
}

func encodeSampleHeader(hdr []byte, nchan int, serial uint64, t time.Time) {
	hdr[0] = packetVersion
	hdr[1] = 4
	binary.LittleEndian.PutUint16(hdr[2:], uint16(nchan))
	binary.LittleEndian.PutUint64(hdr[4:], serial)
	binary.LittleEndian.PutUint64(hdr[12:], uint64(t.UnixNano()))
}

// DecodeSamplePacket parses the header and payload frames published by a ZMQ outlet.
func DecodeSamplePacket(header, payload []byte) (SamplePacket, error) {
	var p SamplePacket
	if len(header) != packetHeaderSize {
		return p, fmt.Errorf("header is %d bytes, want %d", len(header), packetHeaderSize)
	}
	if header[0] != packetVersion || header[1] != 4 {
		return p, fmt.Errorf("unknown packet version %d or value size %d", header[0], header[1])
	}
	nchan := int(binary.LittleEndian.Uint16(header[2:]))
	if len(payload) != 4*nchan {
		return p, fmt.Errorf("payload is %d bytes, want %d for %d channels", len(payload), 4*nchan, nchan)
	}
	p.Serial = binary.LittleEndian.Uint64(header[4:])
	p.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(header[12:])))
	p.Values = make([]float32, nchan)
	for i := range p.Values {
		p.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return p, nil
}

// ZMQSink creates outlets that publish samples on a ZMQ PUB socket.
type ZMQSink struct {
	Endpoint string
}

// NewZMQSink returns a sink that binds to all interfaces at the given TCP port.
func NewZMQSink(portnum int) *ZMQSink {
	return &ZMQSink{Endpoint: fmt.Sprintf("tcp://*:%d", portnum)}
}

// CreateOutlet binds a new PUB socket for the stream described by info.
func (zs *ZMQSink) CreateOutlet(info *StreamInfo) (Outlet, error) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := pubSocket.SetLinger(0); err != nil {
		pubSocket.Close()
		return nil, err
	}
	if err := pubSocket.Bind(zs.Endpoint); err != nil {
		pubSocket.Close()
		return nil, fmt.Errorf("could not bind data outlet to %s: %w", zs.Endpoint, err)
	}
	UpdateLogger.Printf("Outlet %q (%d channels at %.1f Hz) publishing on %s\n",
		info.Name, info.ChannelCount, info.SampleRate, zs.Endpoint)
	return &zmqOutlet{
		pubSocket: pubSocket,
		nchan:     info.ChannelCount,
		header:    make([]byte, packetHeaderSize),
		payload:   make([]byte, 4*info.ChannelCount),
	}, nil
}

type zmqOutlet struct {
	sync.Mutex // ZMQ sockets must not be used by 2 goroutines at once
	pubSocket  *zmq.Socket
	nchan      int
	serial     uint64
	header     []byte
	payload    []byte
}

func (zo *zmqOutlet) PushSample(buf []float32) error {
	zo.Lock()
	defer zo.Unlock()
	if zo.pubSocket == nil {
		return fmt.Errorf("outlet was destroyed")
	}
	if len(buf) != zo.nchan {
		return fmt.Errorf("sample has %d values, outlet has %d channels", len(buf), zo.nchan)
	}
	encodeSampleHeader(zo.header, zo.nchan, zo.serial, time.Now())
	for i, v := range buf {
		binary.LittleEndian.PutUint32(zo.payload[4*i:], math.Float32bits(v))
	}
	if _, err := zo.pubSocket.SendBytes(zo.header, zmq.SNDMORE); err != nil {
		return err
	}
	if _, err := zo.pubSocket.SendBytes(zo.payload, 0); err != nil {
		return err
	}
	zo.serial++
	return nil
}

func (zo *zmqOutlet) Destroy() error {
	zo.Lock()
	defer zo.Unlock()
	if zo.pubSocket == nil {
		return fmt.Errorf("outlet already destroyed")
	}
	err := zo.pubSocket.Close()
	zo.pubSocket = nil
	return err
}
