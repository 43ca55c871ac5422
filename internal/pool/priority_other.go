//go:build !linux

package pool

const prioritySupported = false

func setThreadPriority(Priority) error { return nil }

func threadNice() (int, error) { return 0, nil }
