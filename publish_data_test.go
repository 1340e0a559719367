package headstream

import (
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplePacketHeader(t *testing.T) {
	hdr := make([]byte, packetHeaderSize)
	now := time.Unix(1700000000, 123456789)
	encodeSampleHeader(hdr, 3, 42, now)
	payload := []byte{0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64} // 1, 2, 3 as float32

	p, err := DecodeSamplePacket(hdr, payload)
	require.NoError(t, err)
	assert.EqualValues(t, 42, p.Serial)
	assert.True(t, now.Equal(p.Time))
	assert.Equal(t, []float32{1, 2, 3}, p.Values)

	_, err = DecodeSamplePacket(hdr[:10], payload)
	assert.Error(t, err, "short header")
	_, err = DecodeSamplePacket(hdr, payload[:8])
	assert.Error(t, err, "payload shorter than nchan")
	hdr[1] = 8
	_, err = DecodeSamplePacket(hdr, payload)
	assert.Error(t, err, "wrong value size")
}

func TestZMQOutlet(t *testing.T) {
	const endpoint = "tcp://127.0.0.1:37602"
	info := &StreamInfo{Name: "test", ChannelCount: 4, SampleRate: 300}
	sink := &ZMQSink{Endpoint: endpoint}
	outlet, err := sink.CreateOutlet(info)
	require.NoError(t, err)
	_, err = sink.CreateOutlet(info)
	assert.Error(t, err, "second bind to the same endpoint")

	sub, err := zmq.NewSocket(zmq.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.SetSubscribe(""))
	require.NoError(t, sub.SetRcvtimeo(20*time.Millisecond))
	require.NoError(t, sub.Connect(endpoint))

	assert.Error(t, outlet.PushSample([]float32{1, 2}), "wrong sample length")

	// A new subscriber misses messages until its connection is up, so keep sending.
	sample := []float32{1.5, -2, 3e6, 0}
	var frames [][]byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, outlet.PushSample(sample))
		if frames, err = sub.RecvMessageBytes(0); err == nil {
			break
		}
	}
	require.NoError(t, err)
	require.Len(t, frames, 2)
	p, err := DecodeSamplePacket(frames[0], frames[1])
	require.NoError(t, err)
	assert.Equal(t, sample, p.Values)
	assert.WithinDuration(t, time.Now(), p.Time, time.Second)

	require.NoError(t, outlet.Destroy())
	assert.Error(t, outlet.Destroy())
	assert.Error(t, outlet.PushSample(sample))
}

func TestNewZMQSink(t *testing.T) {
	assert.Equal(t, "tcp://*:5602", NewZMQSink(5602).Endpoint)
}
