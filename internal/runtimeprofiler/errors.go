package runtimeprofiler

import (
	"errors"
	"strings"
)

// ErrProcessGone is the sentinel a Sampler's Profile implementation should
// wrap when the target exited or became a zombie mid-profile.
var ErrProcessGone = errors.New("runtimeprofiler: target process is gone")

// ErrMisclassified signals a target that embeds the runtime's library
// without being an instance of the runtime itself (ShouldSkip should
// normally catch this earlier; Profile may still discover it late).
var ErrMisclassified = errors.New("runtimeprofiler: target is not actually an instance of this runtime")

// ErrOutputCorrupt signals a sampler whose collapsed output failed the
// corruption sanity check (more than half its lines didn't parse).
var ErrOutputCorrupt = errors.New("runtimeprofiler: sampler output is corrupt")

// IsProcessGone reports whether err (or anything it wraps) indicates the
// target process exited or became unreachable — the most common transient
// failure, which substitutes an error stack rather than failing the cycle.
func IsProcessGone(err error) bool {
	if errors.Is(err, ErrProcessGone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"no such process", "zombie process", "process exited"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsFatalSignal reports whether msg (an exit status description or stderr
// line) indicates the sampled process died from a fatal signal, either as a
// negative return code description or an explicit "signal NN" marker.
func IsFatalSignal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"sigsegv", "sigabrt", "sigbus", "signal 11", "signal 6", "signal 7"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
