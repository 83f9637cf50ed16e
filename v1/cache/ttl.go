package cache

import "time"

// DefaultTTL is applied to entries stored without an explicit TTL.
const DefaultTTL = time.Hour

// Seconds converts a TTL expressed in whole seconds into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
