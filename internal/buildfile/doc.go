// Package buildfile loads build definitions (YAML, JSON or HCL) and turns
// them into a group.Manager of build.Command tasks.
package buildfile
