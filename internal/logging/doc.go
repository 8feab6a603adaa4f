// Package logging configures the process-wide charmbracelet logger and
// optional rotating log files.
package logging
