package player

import "time"

// Timeline maps segment sequence numbers onto a continuous media timeline
// across sliding-window refreshes, starting at zero with the first segment
// ever seen.
type Timeline struct {
	started bool
	lastSeq uint64
	lastEnd time.Duration

	// epoch is the PROGRAM-DATE-TIME of the first segment that carried one,
	// together with its timeline offset.
	epoch       time.Time
	epochOffset time.Duration
}

// Observe folds a manifest into the timeline and returns the live edge: the
// end of the newest segment. An empty manifest leaves the edge where it was;
// the result is false only while no segment has ever been seen.
func (t *Timeline) Observe(m *Manifest) (time.Duration, bool) {
	if len(m.Segments) == 0 {
		return t.lastEnd, t.started
	}

	for _, seg := range m.Segments {
		if t.started && seg.Sequence <= t.lastSeq {
			continue
		}

		start := t.lastEnd
		if t.started && seg.Sequence > t.lastSeq+1 {
			// Segments slid out of the window between refreshes.
			start += time.Duration(seg.Sequence-t.lastSeq-1) * m.TargetDuration
		}
		if !seg.ProgramDateTime.IsZero() {
			if t.epoch.IsZero() {
				t.epoch = seg.ProgramDateTime
				t.epochOffset = start
			} else {
				start = t.epochOffset + seg.ProgramDateTime.Sub(t.epoch)
			}
		}

		t.started = true
		t.lastSeq = seg.Sequence
		t.lastEnd = start + seg.Duration
	}
	return t.lastEnd, true
}

// LiveEdge is the end of the newest segment observed so far.
func (t *Timeline) LiveEdge() time.Duration {
	return t.lastEnd
}
