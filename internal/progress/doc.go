// Package progress buffers run and route lifecycle events and fans them out
// to sinks (logs, Prometheus) without ever blocking the render path.
package progress
