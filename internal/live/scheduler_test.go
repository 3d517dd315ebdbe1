package live

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerGaplessPlayback(t *testing.T) {
	var s Scheduler
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	first := s.Schedule(now, time.Second)
	assert.Equal(t, now, first)

	// A chunk arriving while the previous one plays queues right after it.
	second := s.Schedule(now.Add(200*time.Millisecond), 500*time.Millisecond)
	assert.Equal(t, now.Add(time.Second), second)

	third := s.Schedule(now.Add(300*time.Millisecond), time.Second)
	assert.Equal(t, now.Add(1500*time.Millisecond), third)
}

func TestSchedulerLateChunkStartsImmediately(t *testing.T) {
	var s Scheduler
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	s.Schedule(now, time.Second)

	// The queue drained two seconds ago; the next chunk plays now.
	late := now.Add(3 * time.Second)
	assert.Equal(t, late, s.Schedule(late, time.Second))
}

func TestSchedulerReset(t *testing.T) {
	var s Scheduler
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	s.Schedule(now, 10*time.Second)
	s.Reset()

	// After an interruption the timeline restarts from the caller's clock.
	assert.Equal(t, now, s.Schedule(now, time.Second))
}
