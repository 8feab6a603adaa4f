// Package errs defines the failure kinds shared by the engine manager,
// the cache and the orchestrator.
package errs
