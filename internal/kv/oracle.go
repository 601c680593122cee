package kv

import (
	"sync/atomic"
	"time"
)

// versionOracle hands out commit versions. Versions track wall-clock
// microseconds so read-version age maps onto elapsed time, but never repeat
// or go backwards.
//
// Thread-safety: Current is safe for concurrent use. next and publish must
// be called with the database commit lock held.
type versionOracle struct {
	committed atomic.Int64
	now       func() time.Time
}

// newVersionOracle creates an oracle resuming after start.
func newVersionOracle(start int64) *versionOracle {
	o := &versionOracle{now: time.Now}
	o.committed.Store(start)
	return o
}

// next returns the version for the commit in progress.
func (o *versionOracle) next() int64 {
	v := o.now().UnixMicro() * (versionsPerSecond / 1_000_000)
	if c := o.committed.Load(); v <= c {
		v = c + 1
	}
	return v
}

// publish makes version visible to new readers.
func (o *versionOracle) publish(version int64) {
	o.committed.Store(version)
}

// Current returns the latest committed version.
func (o *versionOracle) Current() int64 {
	return o.committed.Load()
}
