// Package sinks implements concrete progress consumers: structured logging
// and Prometheus job counters. Each sink satisfies progress.Sink.
package sinks
