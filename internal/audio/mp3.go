package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream into a mono clip. go-mp3 always yields
// interleaved stereo PCM16, which is averaged down to one channel.
func DecodeMP3(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, ErrEmptyClip
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("mp3 decode: %w", err)
	}

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return Clip{}, fmt.Errorf("mp3 read pcm: %w", err)
	}

	return FromStereo(pcm, decoder.SampleRate()), nil
}
