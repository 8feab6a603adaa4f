package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/podforge/podforge/internal/audio"
)

// Entry encoding shared by the disk and object stores:
//
//	magic    [4]byte "PFC1"
//	flags    uint8   bit 0: payload is zstd-compressed
//	_        [3]byte
//	rate     uint32  sample rate
//	created  int64   unix nanoseconds
//	size     uint32  uncompressed payload length
//	payload  []byte
const (
	entryMagic      = "PFC1"
	entryHeaderSize = 4 + 4 + 4 + 8 + 4

	flagCompressed = 1 << 0

	// Payloads below this size are stored raw.
	compressThreshold = 1024
)

type codec struct {
	encoder *zstd.Encoder // nil when compression is disabled
	decoder *zstd.Decoder
}

// newCodec prepares an encoder at level (1-22, 0 disables compression)
// and a decoder, which is always available so compressed entries written
// by another process stay readable.
func newCodec(level int) (*codec, error) {
	c := &codec{}
	if level > 0 {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = enc
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.decoder = dec
	return c, nil
}

func (c *codec) encode(clip audio.Clip, created time.Time) []byte {
	payload := clip.Data
	var flags byte
	if c.encoder != nil && len(payload) > compressThreshold {
		compressed := c.encoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, entryHeaderSize, entryHeaderSize+len(payload))
	copy(buf[0:4], entryMagic)
	buf[4] = flags
	binary.LittleEndian.PutUint32(buf[8:12], uint32(clip.SampleRate))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(created.UnixNano()))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(clip.Data)))
	return append(buf, payload...)
}

func (c *codec) decode(data []byte) (audio.Clip, time.Time, error) {
	if len(data) < entryHeaderSize || string(data[0:4]) != entryMagic {
		return audio.Clip{}, time.Time{}, ErrCacheCorrupted
	}

	flags := data[4]
	rate := int(binary.LittleEndian.Uint32(data[8:12]))
	created := time.Unix(0, int64(binary.LittleEndian.Uint64(data[12:20])))
	size := int(binary.LittleEndian.Uint32(data[20:24]))
	payload := data[entryHeaderSize:]

	if flags&flagCompressed != 0 {
		decompressed, err := c.decoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return audio.Clip{}, time.Time{}, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
		payload = decompressed
	} else {
		// copy so the entry does not alias the read buffer
		payload = append([]byte(nil), payload...)
	}

	if len(payload) != size {
		return audio.Clip{}, time.Time{}, fmt.Errorf("%w: payload is %d bytes, header says %d",
			ErrCacheCorrupted, len(payload), size)
	}

	clip := audio.Clip{Data: payload, SampleRate: rate}
	if err := clip.Validate(); err != nil {
		return audio.Clip{}, time.Time{}, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	return clip, created, nil
}

func (c *codec) close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}
