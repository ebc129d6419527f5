package stackparse_test

import (
	"testing"

	"github.com/contprof/agent/internal/stackparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCollapsedBasic(t *testing.T) {
	text := "main;foo;bar 3\nmain;baz 2\n"

	counts, stats := stackparse.ParseCollapsed(text)

	assert.Equal(t, uint64(3), counts["main;foo;bar"])
	assert.Equal(t, uint64(2), counts["main;baz"])
	assert.Equal(t, 2, stats.TotalLines)
	assert.Equal(t, 2, stats.ParsedLines)
	assert.Equal(t, 0, stats.BadLines)
	assert.False(t, stats.Corrupted())
}

func TestParseCollapsedSkipsCommentsAndBlankLines(t *testing.T) {
	text := "# a comment\n\nmain;foo 1\n"
	counts, stats := stackparse.ParseCollapsed(text)
	assert.Equal(t, uint64(1), counts["main;foo"])
	assert.Equal(t, 1, stats.TotalLines)
}

func TestParseCollapsedCorruptionDetection(t *testing.T) {
	text := "main;foo 1\nbad-line-no-count\nanother-bad\nyet another bad line nope\n"
	_, stats := stackparse.ParseCollapsed(text)
	assert.True(t, stats.Corrupted())
}

func TestParseCollapsedRoundTrips(t *testing.T) {
	original := "main;foo;bar 3\nmain;baz 2\n"
	counts, _ := stackparse.ParseCollapsed(original)

	rendered := stackparse.Render(counts)
	reparsed, _ := stackparse.ParseCollapsed(rendered)

	require.Equal(t, counts, reparsed)

	var totalOriginal, totalReparsed uint64
	for _, c := range counts {
		totalOriginal += c
	}
	for _, c := range reparsed {
		totalReparsed += c
	}
	assert.Equal(t, totalOriginal, totalReparsed)
}

func TestParseCollapsedByPID(t *testing.T) {
	text := "python3-123/123;main;foo 5\npython3-123/456;main;bar 1\nruby-999/999;main;baz 2\n"

	byPID, stats := stackparse.ParseCollapsedByPID(text)

	require.Contains(t, byPID, 123)
	require.Contains(t, byPID, 999)
	assert.Equal(t, uint64(5), byPID[123]["main;foo"])
	assert.Equal(t, uint64(1), byPID[123]["main;bar"])
	assert.Equal(t, uint64(2), byPID[999]["main;baz"])
	assert.Equal(t, 3, stats.ParsedLines)
}
