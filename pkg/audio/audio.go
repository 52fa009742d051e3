// Package audio implements the client's voice path: capture gating and
// encode on the way out, queueing and decode on the way in. The wire
// format is 48 kHz mono Opus in 20 ms frames, hex-encoded into audio
// messages; device-rate conversion happens at the edges.
package audio

import (
	"math"
	"time"
)

// Canonical wire format.
const (
	SampleRate    = 48000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = 960 // SampleRate * FrameDuration

	// Largest Opus packet we expect for one frame. Hex-doubled plus JSON
	// framing this stays well inside the wire's line limit.
	maxEncodedBytes = 1275
)

// CandidateRates are the device sample rates probed in preference order
// when opening capture and playback devices.
var CandidateRates = []int{48000, 44100, 32000, 16000, 8000}

// Encoder compresses one canonical PCM frame into buf and reports the
// packet length.
type Encoder interface {
	Encode(pcm []int16, buf []byte) (int, error)
}

// Decoder expands one packet into pcm and reports samples written.
type Decoder interface {
	Decode(packet []byte, pcm []int16) (int, error)
}

// Level computes the RMS level of a PCM frame normalized to [0, 1].
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
