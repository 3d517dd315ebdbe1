package live

import "time"

// Scheduler assigns gapless playback start times to decoded audio chunks.
// Each chunk starts at the later of now and the previous chunk's end, so
// back-to-back chunks play seamlessly while a late chunk starts immediately.
type Scheduler struct {
	nextStart time.Time
}

// Schedule returns the playback start time for a chunk of the given
// duration and advances the timeline past it.
func (s *Scheduler) Schedule(now time.Time, d time.Duration) time.Time {
	start := now
	if s.nextStart.After(start) {
		start = s.nextStart
	}
	s.nextStart = start.Add(d)
	return start
}

// Reset drops the queued timeline. Used when the model is interrupted and
// all pending playback is discarded.
func (s *Scheduler) Reset() {
	s.nextStart = time.Time{}
}
