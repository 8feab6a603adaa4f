// Package script loads podcast scripts from YAML or JSON.
package script
