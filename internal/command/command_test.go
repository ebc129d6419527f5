package command_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/contprof/agent/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequeueOrderAdhocPreemptsContinuous(t *testing.T) {
	s := command.NewScheduler()

	require.NoError(t, s.Enqueue(command.Command{ID: "c3", IsContinuous: true}))
	require.NoError(t, s.Enqueue(command.Command{ID: "c4", IsContinuous: false}))

	first, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "c4", first.ID)

	second, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "c3", second.ID)

	_, ok = s.Dequeue()
	assert.False(t, ok)
}

func TestDequeueFIFOWithinAdhoc(t *testing.T) {
	s := command.NewScheduler()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(command.Command{ID: fmt.Sprintf("a%d", i)}))
	}
	for i := 0; i < 5; i++ {
		c, ok := s.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("a%d", i), c.ID)
	}
}

func TestAdhocQueueOverflowDropsIncoming(t *testing.T) {
	s := command.NewScheduler()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Enqueue(command.Command{ID: fmt.Sprintf("a%d", i)}))
	}

	err := s.Enqueue(command.Command{ID: "eleventh"})
	assert.ErrorIs(t, err, command.ErrQueueFull)
	assert.Equal(t, 10, s.AdhocLen())
}

func TestContinuousQueueCapIsOne(t *testing.T) {
	s := command.NewScheduler()
	require.NoError(t, s.Enqueue(command.Command{ID: "c1", IsContinuous: true}))
	err := s.Enqueue(command.Command{ID: "c2", IsContinuous: true})
	assert.ErrorIs(t, err, command.ErrQueueFull)
	assert.Equal(t, 1, s.ContinuousLen())
}

func TestHasQueuedCommands(t *testing.T) {
	s := command.NewScheduler()
	assert.False(t, s.HasQueuedCommands())
	require.NoError(t, s.Enqueue(command.Command{ID: "x", Timestamp: time.Now()}))
	assert.True(t, s.HasQueuedCommands())
}

func TestClearQueues(t *testing.T) {
	s := command.NewScheduler()
	require.NoError(t, s.Enqueue(command.Command{ID: "x"}))
	s.ClearQueues()
	assert.False(t, s.HasQueuedCommands())
}

func TestIdempotencySetMarksAndDetects(t *testing.T) {
	set := command.NewIdempotencySet()
	assert.False(t, set.Contains("c1"))
	set.MarkExecuted("c1")
	assert.True(t, set.Contains("c1"))
}

func TestIdempotencySetEvictsOldestAtCap(t *testing.T) {
	set := command.NewIdempotencySet()
	for i := 0; i < 1001; i++ {
		set.MarkExecuted(fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, 1000, set.Len())
	assert.False(t, set.Contains("id-0"))
	assert.True(t, set.Contains("id-1000"))
}
