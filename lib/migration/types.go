package migration

import "time"

// Task moves one volume (or snapshot) from its current pool to a target pool.
type Task struct {
	VolumeUUID         string
	SnapshotUUID       string
	CurrentInstallPath string
	TargetInstallPath  string
	SafeMode           bool
	// CompareQcow2 byte-compares source and target after the copy.
	CompareQcow2 bool
}

// Options tune the coordinator.
type Options struct {
	Now func() time.Time
}

// target is a task with its paths resolved.
type target struct {
	task         Task
	src, dst     string
	srcVG, dstVG string
}
