package pnl

import "time"

// Windows are the trailing day counts cached per user and day.
var Windows = []int{1, 7, 30}

const day = 24 * time.Hour

// Window is an inclusive [Start, End] time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// LastDays is the window of the trailing days ending at now.
func LastDays(now time.Time, days int) Window {
	return Window{Start: now.Add(-time.Duration(days) * day), End: now}
}

// Range is an explicit window; start and end are swapped when reversed.
func Range(start, end time.Time) Window {
	if end.Before(start) {
		start, end = end, start
	}
	return Window{Start: start, End: end}
}

// Contains reports whether t lies strictly after Start and no later than
// End. A fill stamped exactly at Start belongs to the previous window.
func (w Window) Contains(t time.Time) bool {
	return t.After(w.Start) && !t.After(w.End)
}

// Segments splits the window into consecutive non-overlapping pieces no
// wider than maxSpan. Each piece starts one millisecond after the previous
// one ends.
func (w Window) Segments(maxSpan time.Duration) []Window {
	if maxSpan <= 0 || w.End.Sub(w.Start) <= maxSpan {
		return []Window{w}
	}
	var segs []Window
	for s := w.Start; !s.After(w.End); {
		e := s.Add(maxSpan)
		if e.After(w.End) {
			e = w.End
		}
		segs = append(segs, Window{Start: s, End: e})
		s = e.Add(time.Millisecond)
	}
	return segs
}
