// Package playback plays rendered audio on the local sound device.
//
// Builds with the nocgo tag have no audio output; NewOtoPlayer returns
// ErrUnavailable there.
package playback
