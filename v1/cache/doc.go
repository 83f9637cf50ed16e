// Package cache provides the timed store owned by the primary process.
// Each key has its own expiration timer; reads slide the expiration forward
// by the TTL the key was last written with. Timers are the only removal path
// besides overwriting a key.
package cache
