package lowlatency

import "k8s.io/klog/v2"

// logTokenEvent emits a structured, per-token trace line when verbose
// debugging is enabled. Left as a no-op call entirely when Flags.
// VerboseDebug is false, so the klog call overhead only shows up once
// an operator has actually asked for it.
func logTokenEvent(flags RuntimeFlags, sessionID string, msg string, keysAndValues ...interface{}) {
	if !flags.VerboseDebug {
		return
	}
	klog.V(4).InfoS(msg, append([]interface{}{"session", sessionID}, keysAndValues...)...)
}
