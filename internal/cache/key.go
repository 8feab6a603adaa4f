package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"

	"github.com/podforge/podforge/internal/engines"
	"golang.org/x/text/unicode/norm"
)

// Key is the hex SHA-256 fingerprint of a synthesis request.
type Key string

const keyLen = sha256.Size * 2

// NewKey fingerprints a synthesis request. Text is NFC-normalized so that
// canonically equivalent spellings share an entry; params are encoded in
// sorted order. Every field is length-prefixed, so any other difference in
// the inputs yields a different key.
func NewKey(backend engines.BackendType, voice, text string, params map[string]string) Key {
	h := sha256.New()
	writeField(h, string(backend))
	writeField(h, voice)
	writeField(h, norm.NFC.String(text))

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	writeLen(h, len(names))
	for _, name := range names {
		writeField(h, name)
		writeField(h, params[name])
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

func writeLen(w io.Writer, n int) {
	var buf [binary.MaxVarintLen64]byte
	_, _ = w.Write(buf[:binary.PutUvarint(buf[:], uint64(n))]) //nolint:gosec
}

func writeField(w io.Writer, s string) {
	writeLen(w, len(s))
	_, _ = io.WriteString(w, s)
}

// Valid reports whether k looks like a key produced by NewKey.
func (k Key) Valid() bool {
	if len(k) != keyLen {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil
}

// Short returns an abbreviated key for logs.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}
