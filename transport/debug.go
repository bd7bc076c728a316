package transport

import "log"

// debugEnabled gates verbose per-packet/per-frame tracing. The source this
// package is modeled on gates equivalent detail behind compile-time macros
// (DEBUG_BUFFERS, DEBUG_EXTRA, DEBUG_STREAMS, DEBUG_TIMERS, DEBUG_PROT); this
// implementation exposes a single runtime flag, set with SetDebug, instead of
// forking code paths by build tag. Config.EnableTrace does not set it.
var debugEnabled bool

// SetDebug toggles package-wide trace logging. It is not safe to call while
// connections are concurrently in use; set it once at startup.
func SetDebug(enabled bool) {
	debugEnabled = enabled
}

func debug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	log.Printf(format, args...)
}
