package dashsync

import (
	"github.com/golang/glog"
)

// Logging convention in the dashsync package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - connect, negotiate, and credential fallback errors
//     - dropped frames and discarded fetch results
// V(1):
//     key events for trace debugging
//     this includes:
//     - request errors with the request id, so one call can be filtered
//     - channel state transitions
// V(2):
//     per frame events (pings, dispatch, buffered merges)

// LogFunction traces with a fixed tag, see LogFn.
type LogFunction func(format string, a ...any)

// LogFn returns a tagged trace function gated at the given verbosity.
func LogFn(v glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(v) {
			glog.InfoDepthf(1, "%s"+format, append([]any{tag}, a...)...)
		}
	}
}
