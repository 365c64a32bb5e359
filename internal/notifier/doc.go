// Package notifier is the async outbound pipeline: a bounded queue drained
// by a worker pool behind a token-bucket rate limit, with retry on send
// failure. Failures are isolated per recipient and never reach the order
// lifecycle as errors.
//
// The package also hosts the notification Tracker, the durable
// (order, executor) dedup set that radius expansion diffs against.
package notifier
