package lowlatency

import (
	"os"
	"sync"
)

// RuntimeFlags holds the handful of environment-driven toggles this
// package reads once per process: nothing here changes the wire
// protocol, only whether optional diagnostics run.
type RuntimeFlags struct {
	// SkipGridSync disables the two cooperative grid.sync() Barrier
	// calls in Dispatcher.send; Combiner does not read it. Only
	// meaningful in single-block test harnesses where there is nothing
	// else to synchronize against.
	SkipGridSync bool

	// VerboseDebug enables klog.V(4)-level per-token tracing.
	VerboseDebug bool
}

var (
	runtimeFlagsOnce  sync.Once
	runtimeFlagsValue RuntimeFlags
)

// LoadRuntimeFlags reads DEEPEP_SKIP_GRID_SYNC and DEEPEP_VERBOSE_DEBUG
// from the environment exactly once per process and caches the result.
func LoadRuntimeFlags() RuntimeFlags {
	runtimeFlagsOnce.Do(func() {
		runtimeFlagsValue = RuntimeFlags{
			SkipGridSync: envBool("DEEPEP_SKIP_GRID_SYNC"),
			VerboseDebug: envBool("DEEPEP_VERBOSE_DEBUG"),
		}
	})
	return runtimeFlagsValue
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v != "" && v != "0" && v != "false"
}
