package audio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"
)

func tone(samples int, value int16, rate int) Clip {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(value))
	}
	return Clip{Data: data, SampleRate: rate}
}

func TestSilenceDuration(t *testing.T) {
	tests := []struct {
		name    string
		d       time.Duration
		rate    int
		samples int
	}{
		{"100ms at 22050", 100 * time.Millisecond, 22050, 2205},
		{"1s at 24000", time.Second, 24000, 24000},
		{"zero", 0, 22050, 0},
		{"negative", -time.Second, 22050, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Silence(tt.d, tt.rate)
			if c.Samples() != tt.samples {
				t.Errorf("Samples() = %d, want %d", c.Samples(), tt.samples)
			}
			for _, b := range c.Data {
				if b != 0 {
					t.Fatal("silence contains non-zero bytes")
				}
			}
		})
	}
}

func TestClipValidate(t *testing.T) {
	if err := (Clip{SampleRate: 22050}).Validate(); err != ErrEmptyClip {
		t.Errorf("expected ErrEmptyClip, got %v", err)
	}
	if err := (Clip{Data: []byte{1, 2, 3}, SampleRate: 22050}).Validate(); err == nil {
		t.Error("expected misaligned data to fail")
	}
	if err := (Clip{Data: []byte{1, 2}, SampleRate: 0}).Validate(); err == nil {
		t.Error("expected zero sample rate to fail")
	}
	if err := tone(10, 5, 22050).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFromStereoAveragesChannels(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], uint16(int16(100)))
	binary.LittleEndian.PutUint16(data[2:], uint16(int16(300)))
	neg50, neg150 := int16(-50), int16(-150)
	binary.LittleEndian.PutUint16(data[4:], uint16(neg50))
	binary.LittleEndian.PutUint16(data[6:], uint16(neg150))

	c := FromStereo(append(data, 0xff), 44100)
	if c.Samples() != 2 {
		t.Fatalf("Samples() = %d, want 2", c.Samples())
	}
	if got := int16(binary.LittleEndian.Uint16(c.Data[0:])); got != 200 {
		t.Errorf("first sample = %d, want 200", got)
	}
	if got := int16(binary.LittleEndian.Uint16(c.Data[2:])); got != -100 {
		t.Errorf("second sample = %d, want -100", got)
	}
}

func TestResample(t *testing.T) {
	c := tone(22050, 1000, 22050)

	up := Resample(c, 44100)
	if up.SampleRate != 44100 {
		t.Errorf("SampleRate = %d, want 44100", up.SampleRate)
	}
	if up.Samples() != 44100 {
		t.Errorf("Samples() = %d, want 44100", up.Samples())
	}
	if got := int16(binary.LittleEndian.Uint16(up.Data[100:])); got != 1000 {
		t.Errorf("constant signal changed to %d", got)
	}

	same := Resample(c, 22050)
	if &same.Data[0] != &c.Data[0] {
		t.Error("expected same-rate resample to return the input")
	}
}

func TestBuilderOffsets(t *testing.T) {
	b := NewBuilder(22050)

	off1, d1 := b.Append(tone(2205, 1, 22050))
	gap := b.AppendSilence(100 * time.Millisecond)
	off2, d2 := b.Append(tone(4410, 1, 22050))

	if off1 != 0 {
		t.Errorf("first offset = %v, want 0", off1)
	}
	if d1 != 100*time.Millisecond {
		t.Errorf("first duration = %v", d1)
	}
	if gap != 100*time.Millisecond {
		t.Errorf("gap offset = %v", gap)
	}
	if off2 != 200*time.Millisecond {
		t.Errorf("second offset = %v, want 200ms", off2)
	}
	if d2 != 200*time.Millisecond {
		t.Errorf("second duration = %v", d2)
	}
	if b.Duration() != 400*time.Millisecond {
		t.Errorf("total = %v, want 400ms", b.Duration())
	}
}

func TestBuilderResamplesForeignClips(t *testing.T) {
	b := NewBuilder(22050)
	_, d := b.Append(tone(44100, 1, 44100))
	if d != time.Second {
		t.Errorf("duration = %v, want 1s", d)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	c := tone(100, 1234, 24000)

	var buf bytes.Buffer
	if err := WriteWAV(&buf, c); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	if buf.Len() != wavHeaderSize+len(c.Data) {
		t.Errorf("wav size = %d, want %d", buf.Len(), wavHeaderSize+len(c.Data))
	}

	got, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if got.SampleRate != 24000 || !bytes.Equal(got.Data, c.Data) {
		t.Error("decoded clip differs from the original")
	}
}

func TestSaveWAVCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "episode.wav")
	if err := SaveWAV(path, tone(10, 1, 22050)); err != nil {
		t.Fatalf("SaveWAV: %v", err)
	}
	c, err := LoadWAV(path)
	if err != nil {
		t.Fatalf("LoadWAV: %v", err)
	}
	if c.Samples() != 10 {
		t.Errorf("Samples() = %d, want 10", c.Samples())
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, err := ReadWAV(bytes.NewReader([]byte("RIFX....WAVEfmt "))); err != ErrNotWAV {
		t.Errorf("expected ErrNotWAV, got %v", err)
	}
}

func TestDecodeMP3Empty(t *testing.T) {
	if _, err := DecodeMP3(nil); err != ErrEmptyClip {
		t.Errorf("expected ErrEmptyClip, got %v", err)
	}
}
