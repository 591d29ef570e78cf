// Package app wires configuration, logging, storage, the event bus and the
// scheduler into the build, list, watch and cron modes of the CLI.
package app
