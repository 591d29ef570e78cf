// Package build provides Command, the task that runs one external command of
// a build.
//
// A Command is skipped when its signature (command line, working directory,
// environment and input file contents) matches the one stored by its last
// successful run and all declared outputs still exist.
package build
