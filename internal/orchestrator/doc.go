// Package orchestrator renders a script into one audio artifact.
//
// A run moves through planning (cache lookups), scheduling (synthesis of
// the misses on a bounded worker pool, with retries) and assembly
// (concatenation in script order). Failed utterances are replaced by
// silence so the manifest timings stay valid for the rest of the script.
package orchestrator
