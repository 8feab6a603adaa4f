// Package engine manages loaded synthesis backends under a fixed capacity.
//
// A Manager holds up to MaxEngines backends in slots. Callers check an
// engine out by configuration, use the returned Handle and release it;
// an engine with live handles is never evicted, and idle engines are
// evicted least recently used first when another configuration needs a
// slot. Synthesis on one engine is serialized while different engines run
// in parallel.
package engine
