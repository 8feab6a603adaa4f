// Package audio holds the PCM primitives shared by backends, the cache and
// the assembler: mono 16-bit clips, silence, resampling, WAV and MP3 I/O.
package audio
