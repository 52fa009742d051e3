package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// DeviceInfo describes one selectable audio device.
type DeviceInfo struct {
	ID        malgo.DeviceID
	Name      string
	IsDefault bool
}

// Engine owns the miniaudio context and opens capture/playback devices
// at the best rate each supports.
type Engine struct {
	ctx *malgo.AllocatedContext
	log *zap.Logger
}

func NewEngine(log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", zap.String("msg", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Engine{ctx: ctx, log: log}, nil
}

func (e *Engine) Close() {
	e.ctx.Uninit()
	e.ctx.Free()
}

func (e *Engine) CaptureDevices() ([]DeviceInfo, error)  { return e.devices(malgo.Capture) }
func (e *Engine) PlaybackDevices() ([]DeviceInfo, error) { return e.devices(malgo.Playback) }

func (e *Engine) devices(kind malgo.DeviceType) ([]DeviceInfo, error) {
	infos, err := e.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	out := make([]DeviceInfo, len(infos))
	for i, info := range infos {
		out[i] = DeviceInfo{
			ID:        info.ID,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		}
	}
	return out, nil
}

// findDevice resolves a device name to an ID. An empty name selects the
// system default.
func (e *Engine) findDevice(kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	if name == "" {
		return nil, nil
	}
	infos, err := e.devices(kind)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Name == name {
			id := infos[i].ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("audio: no such device %q", name)
}

// CaptureDevice is an opened capture device delivering ~20 ms frames at
// Rate. Set the frame handler with Start.
type CaptureDevice struct {
	dev  *malgo.Device
	Rate int

	mu      sync.Mutex
	onFrame func(pcm []int16)
	pcm     []int16
}

// OpenCapture opens the named capture device, probing CandidateRates
// until one initializes.
func (e *Engine) OpenCapture(name string) (*CaptureDevice, error) {
	id, err := e.findDevice(malgo.Capture, name)
	if err != nil {
		return nil, err
	}

	cd := &CaptureDevice{}
	var lastErr error
	for _, rate := range CandidateRates {
		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = Channels
		cfg.SampleRate = uint32(rate)
		cfg.PeriodSizeInFrames = uint32(rate / 50) // 20 ms periods
		cfg.Alsa.NoMMap = 1
		if id != nil {
			cfg.Capture.DeviceID = id.Pointer()
		}

		dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(_, input []byte, frameCount uint32) {
				cd.deliver(input, frameCount)
			},
		})
		if err != nil {
			lastErr = err
			continue
		}
		cd.dev = dev
		cd.Rate = rate
		e.log.Info("capture device opened",
			zap.String("device", name), zap.Int("rate", rate))
		return cd, nil
	}
	return nil, fmt.Errorf("audio: no usable capture rate: %w", lastErr)
}

func (cd *CaptureDevice) deliver(input []byte, frameCount uint32) {
	cd.mu.Lock()
	handler := cd.onFrame
	cd.mu.Unlock()
	if handler == nil {
		return
	}
	n := int(frameCount)
	if cap(cd.pcm) < n {
		cd.pcm = make([]int16, n)
	}
	pcm := cd.pcm[:n]
	pcmFromBytes(pcm, input)
	handler(pcm)
}

// Start begins delivering frames to onFrame on the device callback
// goroutine.
func (cd *CaptureDevice) Start(onFrame func(pcm []int16)) error {
	cd.mu.Lock()
	cd.onFrame = onFrame
	cd.mu.Unlock()
	return cd.dev.Start()
}

func (cd *CaptureDevice) Close() {
	cd.dev.Uninit()
}

// PlaybackDevice is an opened playback device pulling ~20 ms frames at
// Rate from its render handler.
type PlaybackDevice struct {
	dev  *malgo.Device
	Rate int

	mu     sync.Mutex
	render func(out []int16)
	pcm    []int16
}

// OpenPlayback opens the named playback device, probing CandidateRates
// until one initializes.
func (e *Engine) OpenPlayback(name string) (*PlaybackDevice, error) {
	id, err := e.findDevice(malgo.Playback, name)
	if err != nil {
		return nil, err
	}

	pd := &PlaybackDevice{}
	var lastErr error
	for _, rate := range CandidateRates {
		cfg := malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = Channels
		cfg.SampleRate = uint32(rate)
		cfg.PeriodSizeInFrames = uint32(rate / 50)
		cfg.Alsa.NoMMap = 1
		if id != nil {
			cfg.Playback.DeviceID = id.Pointer()
		}

		dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(output, _ []byte, frameCount uint32) {
				pd.fill(output, frameCount)
			},
		})
		if err != nil {
			lastErr = err
			continue
		}
		pd.dev = dev
		pd.Rate = rate
		e.log.Info("playback device opened",
			zap.String("device", name), zap.Int("rate", rate))
		return pd, nil
	}
	return nil, fmt.Errorf("audio: no usable playback rate: %w", lastErr)
}

func (pd *PlaybackDevice) fill(output []byte, frameCount uint32) {
	pd.mu.Lock()
	render := pd.render
	pd.mu.Unlock()
	n := int(frameCount)
	if cap(pd.pcm) < n {
		pd.pcm = make([]int16, n)
	}
	pcm := pd.pcm[:n]
	if render == nil {
		for i := range pcm {
			pcm[i] = 0
		}
	} else {
		render(pcm)
	}
	pcmToBytes(output, pcm)
}

// Start begins pulling frames from render on the device callback
// goroutine.
func (pd *PlaybackDevice) Start(render func(out []int16)) error {
	pd.mu.Lock()
	pd.render = render
	pd.mu.Unlock()
	return pd.dev.Start()
}

func (pd *PlaybackDevice) Close() {
	pd.dev.Uninit()
}

func pcmFromBytes(dst []int16, src []byte) {
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
}

func pcmToBytes(dst []byte, src []int16) {
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
	}
}
