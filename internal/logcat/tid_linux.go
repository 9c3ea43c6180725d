//go:build linux

package logcat

import "golang.org/x/sys/unix"

// CurrentThreadID returns the OS thread id of the calling goroutine. It is
// stable only for goroutines pinned with runtime.LockOSThread, which the
// read loop is.
func CurrentThreadID() int64 { return int64(unix.Gettid()) }
