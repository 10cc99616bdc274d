// Package dedupe suppresses duplicate gateway webhook deliveries using a
// time-based cache keyed by (instance, message id).
package dedupe
