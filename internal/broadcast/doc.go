// Package broadcast provides in-memory pub/sub fan-out of dispatch events
// to live sessions, with a global ordering guarantee per subscriber.
package broadcast
