// Package queue runs tasks on a bounded worker pool in priority order,
// with cooperative cancellation and channel-based progress reporting.
package queue
