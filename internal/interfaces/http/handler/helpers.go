package handler

import (
	"strconv"
	"time"
)

// formatRetryAfter renders a cooldown as whole seconds for the Retry-After
// header, rounding up so a client never retries early.
func formatRetryAfter(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
