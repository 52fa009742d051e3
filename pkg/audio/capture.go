package audio

import (
	"encoding/hex"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// GateMode selects how capture decides whether the mic is live.
type GateMode int

const (
	GateOpenMic GateMode = iota
	GatePTT
	GateVOX
)

func (m GateMode) String() string {
	switch m {
	case GateOpenMic:
		return "open"
	case GatePTT:
		return "ptt"
	case GateVOX:
		return "vox"
	default:
		return "unknown"
	}
}

// Voice gate defaults.
const (
	DefaultVOXThreshold = 0.01
	DefaultVOXHang      = 300 * time.Millisecond
	DefaultGain         = 2.0
)

// Sender carries encoded packets toward the relay. *client.Session
// satisfies it.
type Sender interface {
	SendAudio(data string) error
}

// CaptureConfig wires one capture pipeline. Callbacks run on the device
// callback goroutine and must be quick.
type CaptureConfig struct {
	Mode         GateMode
	PTT          func() bool // pressed-state provider, required for GatePTT
	VOXThreshold float64
	VOXHang      time.Duration
	Gain         float64
	DeviceRate   int

	OnTX    func(active bool) // transmit edge events
	OnLevel func(rms float64) // mic meter, every frame

	// Loopback mirrors transmitted packets into a local playback queue
	// for self-monitoring.
	Loopback *PacketQueue
}

// CapturePipeline turns raw device frames into outbound audio messages:
// gate, resample to the canonical rate, apply gain, encode, hex.
type CapturePipeline struct {
	cfg  CaptureConfig
	enc  Encoder
	send Sender
	res  *Resampler

	micMuted atomic.Bool
	gainBits atomic.Uint64

	// Gate state, touched only by ProcessFrame.
	txActive     bool
	voxOpenUntil time.Time
	now          func() time.Time

	scratch []int16
	packet  []byte
}

func NewCapture(cfg CaptureConfig, enc Encoder, send Sender) (*CapturePipeline, error) {
	if enc == nil || send == nil {
		return nil, fmt.Errorf("audio: capture needs an encoder and a sender")
	}
	if cfg.Mode == GatePTT && cfg.PTT == nil {
		return nil, fmt.Errorf("audio: ptt mode needs a pressed-state provider")
	}
	if cfg.VOXThreshold <= 0 {
		cfg.VOXThreshold = DefaultVOXThreshold
	}
	if cfg.VOXHang <= 0 {
		cfg.VOXHang = DefaultVOXHang
	}
	if cfg.Gain <= 0 {
		cfg.Gain = DefaultGain
	}
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = SampleRate
	}

	p := &CapturePipeline{
		cfg:    cfg,
		enc:    enc,
		send:   send,
		res:    NewResampler(cfg.DeviceRate, SampleRate),
		now:    time.Now,
		packet: make([]byte, maxEncodedBytes),
	}
	p.SetGain(cfg.Gain)
	return p, nil
}

// SetMicMuted hard-mutes the outbound path. Muted frames never leave the
// client.
func (p *CapturePipeline) SetMicMuted(muted bool) { p.micMuted.Store(muted) }

func (p *CapturePipeline) MicMuted() bool { return p.micMuted.Load() }

// SetGain updates the software mic gain applied before encoding.
func (p *CapturePipeline) SetGain(gain float64) {
	p.gainBits.Store(math.Float64bits(gain))
}

func (p *CapturePipeline) Gain() float64 {
	return math.Float64frombits(p.gainBits.Load())
}

// ProcessFrame handles one device-rate frame. It is called from the
// capture device callback and never blocks on the network.
func (p *CapturePipeline) ProcessFrame(in []int16) error {
	rms := Level(in)
	if p.cfg.OnLevel != nil {
		p.cfg.OnLevel(rms)
	}

	open := p.gateOpen(rms)
	if open != p.txActive {
		p.txActive = open
		if p.cfg.OnTX != nil {
			p.cfg.OnTX(open)
		}
	}
	if !open {
		return nil
	}

	pcm := p.res.Process(in)
	pcm = p.toCanonicalFrame(pcm)
	p.applyGain(pcm)

	n, err := p.enc.Encode(pcm, p.packet)
	if err != nil {
		return fmt.Errorf("audio: encode: %w", err)
	}
	data := hex.EncodeToString(p.packet[:n])
	if p.cfg.Loopback != nil {
		p.cfg.Loopback.Push(data)
	}
	return p.send.SendAudio(data)
}

func (p *CapturePipeline) gateOpen(rms float64) bool {
	if p.micMuted.Load() {
		return false
	}
	switch p.cfg.Mode {
	case GateOpenMic:
		return true
	case GatePTT:
		return p.cfg.PTT()
	case GateVOX:
		if rms >= p.cfg.VOXThreshold {
			p.voxOpenUntil = p.now().Add(p.cfg.VOXHang)
			return true
		}
		return p.now().Before(p.voxOpenUntil)
	default:
		return false
	}
}

// toCanonicalFrame pads or trims to exactly one encoder frame. Device
// periods are configured to 20 ms so drift here is at most a sample.
func (p *CapturePipeline) toCanonicalFrame(pcm []int16) []int16 {
	if len(pcm) == FrameSamples {
		return pcm
	}
	if cap(p.scratch) < FrameSamples {
		p.scratch = make([]int16, FrameSamples)
	}
	frame := p.scratch[:FrameSamples]
	n := copy(frame, pcm)
	for i := n; i < FrameSamples; i++ {
		frame[i] = 0
	}
	return frame
}

func (p *CapturePipeline) applyGain(pcm []int16) {
	gain := p.Gain()
	if gain == 1 {
		return
	}
	for i, s := range pcm {
		pcm[i] = clampInt16(float64(s) * gain)
	}
}
