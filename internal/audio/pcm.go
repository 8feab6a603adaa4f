package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the rate used when a backend does not say
	// otherwise. Piper models and the mock backend produce 22050 Hz.
	DefaultSampleRate = 22050

	// BitDepth is the only sample width handled by this package.
	BitDepth = 16

	bytesPerSample = BitDepth / 8
)

// ErrEmptyClip is returned when a clip carries no samples.
var ErrEmptyClip = errors.New("empty PCM data")

// Clip is mono, signed 16-bit little-endian PCM at SampleRate.
type Clip struct {
	Data       []byte
	SampleRate int
}

// Samples returns the number of samples in the clip.
func (c Clip) Samples() int {
	return len(c.Data) / bytesPerSample
}

// Duration returns the playing time of the clip.
func (c Clip) Duration() time.Duration {
	return SamplesToDuration(c.Samples(), c.SampleRate)
}

// Validate checks that the clip is non-empty and sample aligned.
func (c Clip) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if len(c.Data) == 0 {
		return ErrEmptyClip
	}
	if len(c.Data)%bytesPerSample != 0 {
		return fmt.Errorf("PCM data length %d is not aligned to %d-byte samples",
			len(c.Data), bytesPerSample)
	}
	return nil
}

// SamplesToDuration converts a sample count at rate into a duration.
func SamplesToDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d into a whole number of samples at rate.
func DurationToSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// Silence returns a clip of zero samples lasting d.
func Silence(d time.Duration, rate int) Clip {
	return Clip{
		Data:       make([]byte, DurationToSamples(d, rate)*bytesPerSample),
		SampleRate: rate,
	}
}

// FromStereo averages interleaved stereo PCM16 frames into a mono clip.
// A trailing partial frame is dropped.
func FromStereo(data []byte, rate int) Clip {
	const frame = 2 * bytesPerSample
	frames := len(data) / frame
	out := make([]byte, frames*bytesPerSample)
	for i := 0; i < frames; i++ {
		off := i * frame
		left := int16(binary.LittleEndian.Uint16(data[off : off+2]))
		right := int16(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		mono := (int32(left) + int32(right)) / 2
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(mono)))
	}
	return Clip{Data: out, SampleRate: rate}
}

// Resample converts c to rate with linear interpolation. Clips already at
// rate are returned unchanged.
func Resample(c Clip, rate int) Clip {
	if c.SampleRate == rate || rate <= 0 || c.SampleRate <= 0 {
		return c
	}

	in := c.Samples()
	if in == 0 {
		return Clip{SampleRate: rate}
	}
	ratio := float64(rate) / float64(c.SampleRate)
	outSamples := int(float64(in) * ratio)
	out := make([]byte, outSamples*bytesPerSample)

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(c.Data[i*bytesPerSample:])))
	}

	for i := 0; i < outSamples; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		var v float64
		if idx >= in-1 {
			v = sample(in - 1)
		} else {
			frac := pos - float64(idx)
			v = sample(idx)*(1-frac) + sample(idx+1)*frac
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(v)))
	}

	return Clip{Data: out, SampleRate: rate}
}

// Builder concatenates clips at a fixed sample rate and reports where each
// appended segment starts.
type Builder struct {
	rate    int
	data    []byte
	samples int
}

// NewBuilder returns a Builder producing audio at rate.
func NewBuilder(rate int) *Builder {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Builder{rate: rate}
}

// Append adds c, resampling it if needed, and returns the offset at which
// it starts and its duration in the output.
func (b *Builder) Append(c Clip) (offset, duration time.Duration) {
	c = Resample(c, b.rate)
	offset = b.Duration()
	n := c.Samples()
	b.data = append(b.data, c.Data[:n*bytesPerSample]...)
	b.samples += n
	return offset, SamplesToDuration(n, b.rate)
}

// AppendSilence adds d of silence and returns its offset.
func (b *Builder) AppendSilence(d time.Duration) time.Duration {
	offset, _ := b.Append(Silence(d, b.rate))
	return offset
}

// Duration returns the length of the audio built so far.
func (b *Builder) Duration() time.Duration {
	return SamplesToDuration(b.samples, b.rate)
}

// Clip returns the assembled audio.
func (b *Builder) Clip() Clip {
	return Clip{Data: b.data, SampleRate: b.rate}
}
