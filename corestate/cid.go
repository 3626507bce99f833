// Package corestate holds the small amount of process-global state a child
// shares between its own packages: a correlation id generator, privilege
// dropping, and the shutdown signal used for graceful cleanup.
package corestate

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id, used to tie together all log lines for one
// child run or one delivered mail.
func Cid() int64 {
	return cid.Add(1)
}
