package audio

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

type opusEncoder struct {
	enc *opus.Encoder
}

// NewOpusEncoder builds the canonical-format Opus encoder tuned for voice.
func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

func (o *opusEncoder) Encode(pcm []int16, buf []byte) (int, error) {
	return o.enc.Encode(pcm, buf)
}

type opusDecoder struct {
	dec *opus.Decoder
}

// NewOpusDecoder builds the canonical-format Opus decoder.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (o *opusDecoder) Decode(packet []byte, pcm []int16) (int, error) {
	return o.dec.Decode(packet, pcm)
}
