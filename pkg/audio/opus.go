package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus codecs operate on 20 ms frames.
const opusFrameMs = 20

// OpusDecoder decodes an Opus packet stream into PCM frames. Capture
// platforms that deliver compressed audio get one decoder per stream so the
// codec state stays consistent across consecutive packets.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusDecoder creates a decoder for the given stream format.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into a PCM frame.
func (d *OpusDecoder) Decode(packet []byte) (Frame, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return Frame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Frame{
		Data:       int16sToBytes(pcm),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}, nil
}

// OpusEncoder encodes PCM frames into Opus packets.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewOpusEncoder creates an encoder for the given stream format.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		frameSize: sampleRate * opusFrameMs / 1000,
	}, nil
}

// Encode encodes one PCM frame into an Opus packet. The frame must hold
// exactly 20 ms of audio at the encoder's configured format.
func (e *OpusEncoder) Encode(frame Frame) ([]byte, error) {
	if got := frame.Samples(); got != e.frameSize {
		return nil, fmt.Errorf("audio: opus encode: frame has %d samples per channel, want %d", got, e.frameSize)
	}
	pcm := bytesToInt16s(frame.Data)
	packet, err := e.enc.Encode(pcm, e.frameSize, len(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
