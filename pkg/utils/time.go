package utils

import "time"

// MonotonicAfter returns now, or last+1ns when now does not advance past last.
func MonotonicAfter(now, last time.Time) time.Time {
	if now.After(last) {
		return now
	}
	return last.Add(time.Nanosecond)
}
