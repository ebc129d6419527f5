// Package stackparse converts textual profiler output into the
// StackToSampleCount / ProcessToStackSampleCounters data model: the
// collapsed-stack text format emitted by runtime samplers, and the raw
// kernel event stream emitted by the kernel sampler.
package stackparse

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/profile"
)

// Stats summarizes one parse pass over collapsed-stack text.
type Stats struct {
	TotalLines  int
	ParsedLines int
	BadLines    int
}

// Corrupted reports whether more than the corruption-warning threshold of
// non-empty, non-comment lines failed to parse.
func (s Stats) Corrupted() bool {
	if s.TotalLines == 0 {
		return false
	}
	return float64(s.BadLines) > float64(s.TotalLines)*constants.CorruptionWarningThreshold
}

// ParseCollapsed parses one-stack-per-line collapsed text ("<stack>
// <count>", frames ';'-joined, root-first) into a StackToSampleCount. It
// never returns an error for malformed input; bad lines are counted and
// skipped, and the caller should consult Stats.Corrupted.
func ParseCollapsed(text string) (profile.StackToSampleCount, Stats) {
	counts := make(profile.StackToSampleCount)
	var stats Stats

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.TotalLines++

		stack, count, ok := splitStackCount(line)
		if !ok {
			stats.BadLines++
			continue
		}
		counts[stack] += count
		stats.ParsedLines++
	}
	return counts, stats
}

// splitStackCount splits "<stack> <count>" on the last space, matching the
// source format's rpartition(" ") semantics, and validates count is a
// non-negative integer.
func splitStackCount(line string) (string, uint64, bool) {
	idx := strings.LastIndex(line, " ")
	if idx < 0 {
		return "", 0, false
	}
	stack := line[:idx]
	countStr := line[idx+1:]
	if stack == "" || countStr == "" {
		return "", 0, false
	}
	count, err := strconv.ParseUint(countStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return stack, count, true
}

// ParseCollapsedByPID parses lines of the form
// "<comm>-<pid>/<tid>;<stack> <count>", grouping by PID. The comm-pid/tid
// prefix is stripped from the stored stack; a per-PID StackToSampleCount is
// built the same way ParseCollapsed builds a flat one.
func ParseCollapsedByPID(text string) (profile.ProcessToStackSampleCounters, Stats) {
	result := make(profile.ProcessToStackSampleCounters)
	var stats Stats

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.TotalLines++

		fullStack, count, ok := splitStackCount(line)
		if !ok {
			stats.BadLines++
			continue
		}

		pid, stack, ok := splitPIDPrefix(fullStack)
		if !ok {
			stats.BadLines++
			continue
		}

		if result[pid] == nil {
			result[pid] = make(profile.StackToSampleCount)
		}
		result[pid][stack] += count
		stats.ParsedLines++
	}
	return result, stats
}

// splitPIDPrefix splits "<comm>-<pid>/<tid>;<rest>" into (pid, rest).
func splitPIDPrefix(s string) (int, string, bool) {
	semi := strings.Index(s, ";")
	if semi < 0 {
		return 0, "", false
	}
	prefix, rest := s[:semi], s[semi+1:]

	dash := strings.LastIndex(prefix, "-")
	if dash < 0 {
		return 0, "", false
	}
	pidTid := prefix[dash+1:]
	pidStr := pidTid
	if slash := strings.Index(pidTid, "/"); slash >= 0 {
		pidStr = pidTid[:slash]
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, "", false
	}
	return pid, rest, true
}

// Render re-serializes a StackToSampleCount back into collapsed text, one
// line per stack. Round-tripping Render then ParseCollapsed reproduces the
// original counts.
func Render(counts profile.StackToSampleCount) string {
	var b strings.Builder
	for stack, count := range counts {
		fmt.Fprintf(&b, "%s %d\n", stack, count)
	}
	return b.String()
}
