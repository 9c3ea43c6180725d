//go:build !linux

package logcat

// CurrentThreadID returns -1 where thread ids are not exposed, so the tid
// self-filter never matches.
func CurrentThreadID() int64 { return -1 }
