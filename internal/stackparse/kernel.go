package stackparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/contprof/agent/internal/profile"
)

// sampleHeaderRe matches a kernel event sample header line:
// "<comm> <pid>/<tid> [<cpu>] <time>: <freq>? <event_family>:<event>?:<suffix>".
var sampleHeaderRe = regexp.MustCompile(
	`^\s*(?P<comm>.+?)\s+(?P<pid>\d+)/(?P<tid>\d+)\s+\[(?P<cpu>\d+)\]\s+(?P<time>[\d.]+):\s+` +
		`(?:(?P<freq>\d+)\s+)?(?P<event>[^\s:]+:[^\s:]*:?[^\s:]*)`,
)

// frameLineRe matches one frame line: "<hex> <sym>+<off> (<dso>)".
var frameLineRe = regexp.MustCompile(`^\s*([0-9a-fA-F]+)\s+(.+)\s+\(([^)]*)\)\s*$`)

// KernelEvent is one parsed sample: the process identity plus its raw,
// program-order (leaf-first, as emitted by the sampler) frame lines.
type KernelEvent struct {
	Comm   string
	PID    int
	TID    int
	Frames []KernelFrame
}

// KernelFrame is one raw frame line before collapsing.
type KernelFrame struct {
	Symbol string
	DSO    string
	Offset string
}

// ParseKernelEventStream splits the textual event stream into samples
// separated by blank lines and parses each sample's header and frame lines.
// Malformed samples are skipped, not fatal — discovery on hostile hardware
// must tolerate noise in the stream.
func ParseKernelEventStream(text string) []KernelEvent {
	var events []KernelEvent

	blocks := strings.Split(text, "\n\n")
	for _, block := range blocks {
		block = strings.TrimRight(block, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		lines := strings.Split(block, "\n")

		header := sampleHeaderRe.FindStringSubmatch(lines[0])
		if header == nil {
			continue
		}
		pid, err := strconv.Atoi(header[2])
		if err != nil {
			continue
		}
		tid, err := strconv.Atoi(header[3])
		if err != nil {
			continue
		}

		ev := KernelEvent{Comm: header[1], PID: pid, TID: tid}
		for _, line := range lines[1:] {
			m := frameLineRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			symAndOffset := strings.TrimSpace(m[2])
			sym, offset := splitSymbolOffset(symAndOffset)
			ev.Frames = append(ev.Frames, KernelFrame{Symbol: sym, DSO: m[3], Offset: offset})
		}
		events = append(events, ev)
	}
	return events
}

// splitSymbolOffset splits "<sym>+<off>" into its parts; if there is no '+'
// the whole string is the symbol and offset is empty.
func splitSymbolOffset(s string) (symbol, offset string) {
	idx := strings.LastIndex(s, "+")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

// CollapseFrames builds one collapsed, ';'-joined, root-first frame string
// from a kernel event. Frames are reversed (the sampler emits leaf-first),
// the "+<off>" suffix is already stripped by the parser, kernel frames are
// annotated with "_[k]", and frames with no symbol but a known DSO are
// rendered as "(<dso>)".
func CollapseFrames(ev KernelEvent, insertDSOName bool) string {
	names := make([]string, len(ev.Frames))
	for i, f := range ev.Frames {
		names[len(ev.Frames)-1-i] = collapseFrameName(f, insertDSOName)
	}
	return strings.Join(names, ";")
}

func collapseFrameName(f KernelFrame, insertDSOName bool) string {
	name := f.Symbol
	if name == "" || name == "[unknown]" {
		if f.DSO != "" {
			name = "(" + f.DSO + ")"
		} else {
			name = "[unknown]"
		}
	}
	if isKernelDSO(f.DSO) {
		name += "_[k]"
	} else if insertDSOName && f.DSO != "" {
		name = name + " (" + f.DSO + ")"
	}
	return name
}

func isKernelDSO(dso string) bool {
	return dso == "[kernel.kallsyms]" || strings.HasPrefix(dso, "[kernel")
}

// ToStackSampleCount groups a slice of parsed kernel events into the shared
// per-PID sample-count model, one synthetic sample per event (the kernel
// sampler's textual output has no explicit counts; each sample line is
// itself one occurrence).
func ToStackSampleCount(events []KernelEvent, insertDSOName bool) profile.ProcessToStackSampleCounters {
	result := make(profile.ProcessToStackSampleCounters)
	for _, ev := range events {
		stack := CollapseFrames(ev, insertDSOName)
		if stack == "" {
			continue
		}
		if result[ev.PID] == nil {
			result[ev.PID] = make(profile.StackToSampleCount)
		}
		result[ev.PID][stack]++
	}
	return result
}
