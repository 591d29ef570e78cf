// Package config loads the process configuration from JSON or YAML, validates
// it strictly and reloads it when the file changes.
package config
