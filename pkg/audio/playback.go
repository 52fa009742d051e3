package audio

import (
	"encoding/hex"
	"sync/atomic"
)

// PlaybackPipeline turns queued packets into device-rate frames. Any
// failure on a packet renders silence for that frame; playback never
// stalls on bad input.
type PlaybackPipeline struct {
	dec   Decoder
	queue *PacketQueue
	res   *Resampler

	spkMuted atomic.Bool
	onLevel  func(rms float64)

	pcm []int16
}

func NewPlayback(dec Decoder, queue *PacketQueue, deviceRate int, onLevel func(float64)) *PlaybackPipeline {
	if queue == nil {
		queue = NewPacketQueue(0)
	}
	if deviceRate <= 0 {
		deviceRate = SampleRate
	}
	return &PlaybackPipeline{
		dec:     dec,
		queue:   queue,
		res:     NewResampler(SampleRate, deviceRate),
		onLevel: onLevel,
		pcm:     make([]int16, FrameSamples),
	}
}

// Queue exposes the inbound packet queue; the network session pushes
// into it.
func (p *PlaybackPipeline) Queue() *PacketQueue { return p.queue }

// SetSpkMuted silences output. The queue is cleared so unmuting does not
// replay a backlog.
func (p *PlaybackPipeline) SetSpkMuted(muted bool) {
	p.spkMuted.Store(muted)
	if muted {
		p.queue.Clear()
	}
}

func (p *PlaybackPipeline) SpkMuted() bool { return p.spkMuted.Load() }

// RenderFrame fills one device-rate output frame. Called from the
// playback device callback.
func (p *PlaybackPipeline) RenderFrame(out []int16) {
	if p.spkMuted.Load() {
		p.silence(out)
		return
	}
	data, ok := p.queue.TryPop()
	if !ok {
		p.silence(out)
		return
	}
	packet, err := hex.DecodeString(data)
	if err != nil {
		p.silence(out)
		return
	}
	n, err := p.dec.Decode(packet, p.pcm)
	if err != nil {
		p.silence(out)
		return
	}

	rendered := p.res.Process(p.pcm[:n])
	m := copy(out, rendered)
	for i := m; i < len(out); i++ {
		out[i] = 0
	}
	if p.onLevel != nil {
		p.onLevel(Level(out))
	}
}

func (p *PlaybackPipeline) silence(out []int16) {
	for i := range out {
		out[i] = 0
	}
	if p.onLevel != nil {
		p.onLevel(0)
	}
}
