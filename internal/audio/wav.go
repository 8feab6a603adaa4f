package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by ReadWAV for input that is not PCM16 mono WAV.
var ErrNotWAV = errors.New("not a mono 16-bit PCM WAV stream")

// WriteWAV writes c to w as a RIFF/WAVE stream.
func WriteWAV(w io.Writer, c Clip) error {
	const channels = 1
	dataSize := uint32(len(c.Data))
	byteRate := uint32(c.SampleRate * channels * bytesPerSample)

	header := []any{
		[]byte("RIFF"),
		uint32(36 + dataSize),
		[]byte("WAVE"),
		[]byte("fmt "),
		uint32(16),
		uint16(1), // PCM
		uint16(channels),
		uint32(c.SampleRate),
		byteRate,
		uint16(channels * bytesPerSample),
		uint16(BitDepth),
		[]byte("data"),
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}

	if _, err := w.Write(c.Data); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// SaveWAV writes c to path. The file is written next to path and renamed
// into place once complete.
func SaveWAV(path string, c Clip) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	tmpPath := tmp.Name()

	bw := bufio.NewWriter(tmp)
	err = WriteWAV(bw, c)
	if err == nil {
		err = bw.Flush()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}

// ReadWAV parses a mono PCM16 WAV stream. Chunks other than "fmt " and
// "data" are skipped.
func ReadWAV(r io.Reader) (Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Clip{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}

	var clip Clip
	haveFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Clip{}, fmt.Errorf("read wav chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Clip{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if size < 16 {
				return Clip{}, ErrNotWAV
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			channels := binary.LittleEndian.Uint16(buf[2:4])
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if format != 1 || channels != 1 || bits != BitDepth {
				return Clip{}, ErrNotWAV
			}
			clip.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, ErrNotWAV
			}
			clip.Data = make([]byte, size)
			if _, err := io.ReadFull(r, clip.Data); err != nil {
				return Clip{}, fmt.Errorf("read data chunk: %w", err)
			}
			return clip, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size%2)); err != nil {
				return Clip{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// LoadWAV reads a WAV file from disk.
func LoadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close() //nolint:errcheck
	return ReadWAV(bufio.NewReader(f))
}
