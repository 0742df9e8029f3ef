package engine

import (
	"runtime/debug"

	"github.com/docker/go-units"

	"github.com/relativecompanies/netbridge/log"
)

// applyRuntimeLimits installs the heap ceiling and GC target from the
// configuration. Both are process wide; zero values leave the runtime alone.
func applyRuntimeLimits(s *settings) {
	if s.memoryLimit > 0 {
		prev := debug.SetMemoryLimit(s.memoryLimit)
		log.Infof("[ENGINE] memory limit %s (was %s)",
			units.BytesSize(float64(s.memoryLimit)), units.BytesSize(float64(prev)))
	}
	if s.gcPercent != 0 {
		debug.SetGCPercent(s.gcPercent)
	}
}
