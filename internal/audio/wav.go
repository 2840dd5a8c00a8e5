package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is decoded PCM audio, one float64 slice per channel with samples in
// [-1, 1].
type Clip struct {
	Channels   [][]float64
	SampleRate int
	BitDepth   int
}

// Decode parses a WAV file into a Clip.
func Decode(data []byte) (*Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, errors.New("wav has no channels")
	}

	numChans := buf.Format.NumChannels
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / numChans
	channels := make([][]float64, numChans)
	for c := range channels {
		channels[c] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < numChans; c++ {
			channels[c][i] = float64(buf.Data[i*numChans+c]) / scale
		}
	}

	return &Clip{
		Channels:   channels,
		SampleRate: buf.Format.SampleRate,
		BitDepth:   bitDepth,
	}, nil
}

// Encode renders the clip back to WAV bytes. Samples are clamped to [-1, 1]
// before quantization.
func (c *Clip) Encode() ([]byte, error) {
	if len(c.Channels) == 0 {
		return nil, errors.New("clip has no channels")
	}
	bitDepth := c.BitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1)<<(bitDepth-1)) - 1

	numChans := len(c.Channels)
	frames := len(c.Channels[0])
	data := make([]int, frames*numChans)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < numChans; ch++ {
			s := c.Channels[ch][i]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			data[i*numChans+ch] = int(math.Round(s * scale))
		}
	}

	var buf seekableBuffer
	enc := wav.NewEncoder(&buf, c.SampleRate, bitDepth, numChans, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChans, SampleRate: c.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}); err != nil {
		return nil, fmt.Errorf("write pcm: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// Peak returns the largest absolute sample value across all channels.
func (c *Clip) Peak() float64 {
	peak := 0.0
	for _, ch := range c.Channels {
		for _, s := range ch {
			if a := math.Abs(s); a > peak {
				peak = a
			}
		}
	}
	return peak
}

// NormalizePeak scales the clip in place so its peak hits target. Silent clips
// are left untouched.
func (c *Clip) NormalizePeak(target float64) {
	peak := c.Peak()
	if peak == 0 {
		return
	}
	factor := target / peak
	for _, ch := range c.Channels {
		for i := range ch {
			ch[i] *= factor
		}
	}
}

// seekableBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes in the header.
type seekableBuffer struct {
	data []byte
	pos  int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekableBuffer) Bytes() []byte {
	return b.data
}
