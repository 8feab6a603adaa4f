// Package events carries run and task notifications from the orchestrator
// to sinks such as the log, a NATS subject or the CLI progress display.
package events
