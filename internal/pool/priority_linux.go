//go:build linux

package pool

import "golang.org/x/sys/unix"

const prioritySupported = true

// setThreadPriority sets the niceness of the calling thread. Raising priority
// needs CAP_SYS_NICE; failures leave the thread unchanged.
func setThreadPriority(p Priority) error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), p.nice())
}

// threadNice returns the niceness of the calling thread.
func threadNice() (int, error) {
	// getpriority(2) reports 20-nice.
	v, err := unix.Getpriority(unix.PRIO_PROCESS, unix.Gettid())
	if err != nil {
		return 0, err
	}
	return 20 - v, nil
}
