// Package events defines the lifecycle events emitted while refreshing
// sources and the non-blocking Bus that fans them out. Publishers never wait
// on consumers: events are batched on a background goroutine and handed to
// pluggable sinks, and live subscribers receive them on buffered channels.
package events
