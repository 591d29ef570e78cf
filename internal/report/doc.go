// Package report records task outcomes from the event bus and renders the
// end-of-build summary.
package report
