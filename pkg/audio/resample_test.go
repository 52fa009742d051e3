package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constFrame(n int, v int16) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestResamplerIdentityPassthrough(t *testing.T) {
	r := NewResampler(48000, 48000)
	in := constFrame(960, 1234)
	out := r.Process(in)
	assert.Equal(t, 960, len(out))
	assert.Equal(t, in, out)
}

func TestResamplerLengths(t *testing.T) {
	up := NewResampler(16000, 48000)
	assert.Equal(t, 960, up.OutLen(320))
	assert.Equal(t, 960, len(up.Process(constFrame(320, 100))))

	down := NewResampler(48000, 16000)
	assert.Equal(t, 320, down.OutLen(960))
	assert.Equal(t, 320, len(down.Process(constFrame(960, 100))))

	odd := NewResampler(44100, 48000)
	assert.Equal(t, 960, odd.OutLen(882))
}

func TestResamplerPreservesConstantSignal(t *testing.T) {
	r := NewResampler(16000, 48000)
	out := r.Process(constFrame(320, 8000))
	require.Equal(t, 960, len(out))
	// Interior samples of a DC signal survive the kernel; edges may
	// droop where the window runs off the frame.
	for i := 20; i < len(out)-20; i++ {
		assert.InDelta(t, 8000, out[i], 200, "sample %d", i)
	}
}

func TestResamplerClampsHotSignal(t *testing.T) {
	r := NewResampler(44100, 48000)
	out := r.Process(constFrame(441, 32767))
	for _, s := range out {
		assert.LessOrEqual(t, s, int16(32767))
		assert.GreaterOrEqual(t, s, int16(0))
	}
}
