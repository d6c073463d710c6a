package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Progress{TotalRows: 100}

	p.Advance(StageAnalyzeDuplicates, 50, start)
	assert.Equal(t, 50, p.Offset(StageAnalyzeDuplicates))
	assert.Equal(t, 1, p.Stages[StageAnalyzeDuplicates].BatchesProcessed)
	assert.InDelta(t, 7.5, p.Percent, 0.001)

	p.Advance(StageAnalyzeDuplicates, 50, start.Add(10*time.Second))
	assert.True(t, p.Stages[StageAnalyzeDuplicates].Done())
	assert.InDelta(t, 15, p.Percent, 0.001)
	if assert.NotNil(t, p.EstimatedCompletion) {
		assert.True(t, p.EstimatedCompletion.After(start.Add(10*time.Second)))
	}
}

func TestProgressCompleteAndReset(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := Progress{TotalRows: 10}
	p.Advance(StageGeocodeBatch, 4, now)
	p.Complete(StageGeocodeBatch, now)
	assert.Equal(t, 10, p.Offset(StageGeocodeBatch))
	assert.NotNil(t, p.Stages[StageGeocodeBatch].CompletedAt)

	p.Reset(StageGeocodeBatch)
	assert.Equal(t, 0, p.Offset(StageGeocodeBatch))
}

func TestProgressOffset_Unknown(t *testing.T) {
	t.Parallel()

	var p Progress
	assert.Equal(t, 0, p.Offset(StageCreateEvents))
}
