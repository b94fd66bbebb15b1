// Package telemetry sets up logging, tracing and metrics for the client and
// the privileged helper.
//
// Logs go to stderr or a file, never stdout: the helper's stdout is the
// progress protocol. Metrics are written in the Prometheus textfile format
// when a process exits, since neither binary lives long enough to be scraped.
package telemetry
