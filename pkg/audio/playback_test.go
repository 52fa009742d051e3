package audio

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder reads the frame length stamped by fakeEncoder and renders a
// constant tone of that many samples.
type fakeDecoder struct {
	fail bool
}

func (f *fakeDecoder) Decode(packet []byte, pcm []int16) (int, error) {
	if f.fail {
		return 0, errors.New("corrupt packet")
	}
	if len(packet) < 2 {
		return 0, errors.New("short packet")
	}
	n := int(packet[0]) | int(packet[1])<<8
	if n > len(pcm) {
		n = len(pcm)
	}
	for i := 0; i < n; i++ {
		pcm[i] = 8000
	}
	return n, nil
}

func framePacket(n int) string {
	return hex.EncodeToString([]byte{byte(n), byte(n >> 8)})
}

func TestRenderSilenceWhenQueueEmpty(t *testing.T) {
	var levels []float64
	p := NewPlayback(&fakeDecoder{}, NewPacketQueue(4), SampleRate,
		func(rms float64) { levels = append(levels, rms) })

	out := constFrame(FrameSamples, 1234)
	p.RenderFrame(out)
	assert.Equal(t, constFrame(FrameSamples, 0), out)
	require.Equal(t, 1, len(levels))
	assert.Zero(t, levels[0])
}

func TestRenderDecodesQueuedPacket(t *testing.T) {
	var levels []float64
	p := NewPlayback(&fakeDecoder{}, NewPacketQueue(4), SampleRate,
		func(rms float64) { levels = append(levels, rms) })
	require.True(t, p.Queue().Push(framePacket(FrameSamples)))

	out := make([]int16, FrameSamples)
	p.RenderFrame(out)
	assert.Equal(t, int16(8000), out[0])
	assert.Equal(t, int16(8000), out[FrameSamples-1])
	require.Equal(t, 1, len(levels))
	assert.InDelta(t, 8000.0/32768, levels[0], 1e-6)
}

func TestRenderResamplesToDeviceRate(t *testing.T) {
	p := NewPlayback(&fakeDecoder{}, NewPacketQueue(4), 24000, nil)
	require.True(t, p.Queue().Push(framePacket(FrameSamples)))

	// One 20 ms frame at the device rate.
	out := make([]int16, 480)
	p.RenderFrame(out)
	assert.Equal(t, int16(8000), out[240])
}

func TestRenderBadPacketFallsBackToSilence(t *testing.T) {
	p := NewPlayback(&fakeDecoder{}, NewPacketQueue(4), SampleRate, nil)

	p.Queue().Push("not hex!")
	out := constFrame(FrameSamples, 1234)
	p.RenderFrame(out)
	assert.Equal(t, constFrame(FrameSamples, 0), out)

	failing := NewPlayback(&fakeDecoder{fail: true}, NewPacketQueue(4), SampleRate, nil)
	failing.Queue().Push(framePacket(FrameSamples))
	out = constFrame(FrameSamples, 1234)
	failing.RenderFrame(out)
	assert.Equal(t, constFrame(FrameSamples, 0), out)
}

func TestSpeakerMuteSilencesAndClearsBacklog(t *testing.T) {
	p := NewPlayback(&fakeDecoder{}, NewPacketQueue(4), SampleRate, nil)
	p.Queue().Push(framePacket(FrameSamples))
	p.Queue().Push(framePacket(FrameSamples))

	p.SetSpkMuted(true)
	assert.Equal(t, 0, p.Queue().Len())

	out := constFrame(FrameSamples, 1234)
	p.RenderFrame(out)
	assert.Equal(t, constFrame(FrameSamples, 0), out)

	// Unmuting renders fresh packets again.
	p.SetSpkMuted(false)
	p.Queue().Push(framePacket(FrameSamples))
	p.RenderFrame(out)
	assert.Equal(t, int16(8000), out[0])
}
