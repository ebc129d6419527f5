package merger_test

import (
	"testing"

	"github.com/contprof/agent/internal/merger"
	"github.com/contprof/agent/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverridesUserFramesPreservesKernel(t *testing.T) {
	system := profile.ProcessToStackSampleCounters{
		42: {
			"entry_SYSCALL_64_[k];libc_read":      5,
			"libc_malloc":                         3,
		},
	}
	runtime := map[int]profile.Data{
		42: {
			Samples: profile.ProcessToStackSampleCounters{
				42: {"main;handler;do_work": 9},
			},
		},
	}

	merged := merger.Merge(system, runtime)

	require.Contains(t, merged, 42)
	assert.Equal(t, uint64(5), merged[42]["entry_SYSCALL_64_[k];libc_read"])
	assert.Equal(t, uint64(9), merged[42]["main;handler;do_work"])
	assert.NotContains(t, merged[42], "libc_malloc")
}

func TestMergePassesThroughPIDsSeenOnOneSide(t *testing.T) {
	system := profile.ProcessToStackSampleCounters{
		1: {"kernel_frame_[k]": 1},
	}
	runtime := map[int]profile.Data{
		2: {Samples: profile.ProcessToStackSampleCounters{2: {"main;work": 4}}},
	}

	merged := merger.Merge(system, runtime)
	assert.Contains(t, merged, 1)
	assert.Contains(t, merged, 2)
}

func TestFlatten(t *testing.T) {
	byPID := profile.ProcessToStackSampleCounters{
		1: {"a": 1},
		2: {"a": 2, "b": 3},
	}
	flat := merger.Flatten(byPID)
	assert.Equal(t, uint64(3), flat["a"])
	assert.Equal(t, uint64(3), flat["b"])
}

func TestAnnotateContainer(t *testing.T) {
	counts := profile.StackToSampleCount{"main;foo": 1}
	annotated := merger.AnnotateContainer(counts, "web-1")
	assert.Contains(t, annotated, "web-1;main;foo")
}

func TestSortedStacksOrdersByCountThenName(t *testing.T) {
	counts := profile.StackToSampleCount{"b": 5, "a": 5, "c": 10}
	sorted := merger.SortedStacks(counts)
	assert.Equal(t, []string{"c", "a", "b"}, sorted)
}

func TestToPprof(t *testing.T) {
	counts := profile.StackToSampleCount{"main;work": 3}
	p := merger.ToPprof(counts, "samples", "count")
	require.Len(t, p.Sample, 1)
	assert.Equal(t, int64(3), p.Sample[0].Value[0])
	require.Len(t, p.Sample[0].Location, 2)
}
