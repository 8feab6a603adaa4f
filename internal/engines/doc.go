// Package engines contains the synthesis backends and the registry that
// constructs them by type. Piper runs offline as a subprocess; gTTS, Edge
// and Google Cloud TTS are online; the mock backend is deterministic and
// used by tests.
package engines
