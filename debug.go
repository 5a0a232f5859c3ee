// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"runtime"
)

// DebugAPI is mounted under "debug" on every server.
type DebugAPI struct {
	stats *Stats
}

// DumpStacks returns the stack traces of all goroutines.
func (d *DebugAPI) DumpStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// Stats returns the running counter totals.
func (d *DebugAPI) Stats() map[string]int64 {
	return d.stats.Totals()
}

// Goroutines returns the current goroutine count.
func (d *DebugAPI) Goroutines() int {
	return runtime.NumGoroutine()
}
