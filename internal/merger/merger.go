// Package merger combines the kernel sampler's system-wide samples with
// each per-runtime sampler's per-process samples into one annotated,
// collapsed-stack artifact per cycle.
package merger

import (
	"sort"
	"strings"

	"github.com/contprof/agent/internal/profile"
)

// Merge combines system-wide samples with runtime samples. For any PID
// present in both, the runtime sampler's contribution replaces the system
// sampler's user-space frames while preserving its kernel frames (frames
// ending in "_[k]"); PIDs present in only one side pass through unchanged.
// Merge order is deterministic: system contributes first, runtime overrides.
func Merge(system profile.ProcessToStackSampleCounters, runtime map[int]profile.Data) profile.ProcessToStackSampleCounters {
	result := make(profile.ProcessToStackSampleCounters, len(system))
	for pid, stacks := range system {
		result[pid] = profile.StackToSampleCount{}.Add(stacks)
	}

	for pid, data := range runtime {
		if data.Samples == nil {
			continue
		}
		runtimeStacks := data.Samples[pid]

		sysStacks, hadSystem := result[pid]
		if !hadSystem {
			result[pid] = profile.StackToSampleCount{}.Add(runtimeStacks)
			continue
		}

		result[pid] = overridePreservingKernel(sysStacks, runtimeStacks)
	}

	return result
}

// overridePreservingKernel keeps sysStacks' kernel-tagged frame sequences
// (stacks containing at least one "_[k]"-annotated frame) and replaces
// everything else with runtimeStacks.
func overridePreservingKernel(sysStacks, runtimeStacks profile.StackToSampleCount) profile.StackToSampleCount {
	out := make(profile.StackToSampleCount, len(runtimeStacks)+len(sysStacks))

	for stack, count := range sysStacks {
		if hasKernelFrame(stack) {
			out[stack] += count
		}
	}
	for stack, count := range runtimeStacks {
		out[stack] += count
	}
	return out
}

func hasKernelFrame(stack string) bool {
	for _, frame := range strings.Split(stack, ";") {
		if strings.HasSuffix(frame, "_[k]") {
			return true
		}
	}
	return false
}

// AnnotateContainer prefixes every stack in counts with "<container>;" so
// the merged output attributes samples to their container. A blank
// container name leaves stacks unchanged.
func AnnotateContainer(counts profile.StackToSampleCount, container string) profile.StackToSampleCount {
	if container == "" {
		return counts
	}
	out := make(profile.StackToSampleCount, len(counts))
	for stack, count := range counts {
		out[container+";"+stack] = count
	}
	return out
}

// Flatten collapses a ProcessToStackSampleCounters into one
// StackToSampleCount, summing across PIDs. Used for the final collapsed
// artifact, which does not distinguish samples by PID.
func Flatten(byPID profile.ProcessToStackSampleCounters) profile.StackToSampleCount {
	flat := make(profile.StackToSampleCount)
	for _, stacks := range byPID {
		flat = flat.Add(stacks)
	}
	return flat
}

// SortedStacks returns the stacks of counts sorted descending by count, then
// lexicographically, for deterministic rendering.
func SortedStacks(counts profile.StackToSampleCount) []string {
	stacks := make([]string, 0, len(counts))
	for s := range counts {
		stacks = append(stacks, s)
	}
	sort.Slice(stacks, func(i, j int) bool {
		if counts[stacks[i]] != counts[stacks[j]] {
			return counts[stacks[i]] > counts[stacks[j]]
		}
		return stacks[i] < stacks[j]
	})
	return stacks
}
