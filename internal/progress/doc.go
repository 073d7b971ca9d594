// Package progress carries job progress to observers. The Broadcaster fans
// job snapshots out to live subscribers and keeps the latest one for pollers.
// The Hub batches lower-level pipeline events on a background goroutine and
// hands them to pluggable sinks such as Prometheus metrics or logs.
package progress
