// Package window computes the rolling look-back interval for one hop of a
// propagation chain. Each hop anchors on its own interaction date, not the
// original report's test date, which is what lets a chain extend past the
// first incubation boundary as long as every link is individually in window.
package window

import "time"

// Window is a closed time interval [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the clamp collapsed the window. Traversal at a node
// with an empty window yields zero candidates rather than an error.
func (w Window) Empty() bool {
	return w.Start.After(w.End)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Compute returns the look-back window for a hop anchored at hopDate.
// Start is hopDate minus the incubation period, clamped forward to the global
// retention boundary. End is now.
func Compute(hopDate time.Time, incubation time.Duration, retention, now time.Time) Window {
	start := hopDate.Add(-incubation)
	if start.Before(retention) {
		start = retention
	}
	return Window{Start: start, End: now}
}

// ComputeBounded is Compute with End capped at bound. Used for the first hop,
// where the report's own exposure window bounds the search.
func ComputeBounded(hopDate time.Time, incubation time.Duration, retention, now, bound time.Time) Window {
	w := Compute(hopDate, incubation, retention, now)
	if bound.Before(w.End) {
		w.End = bound
	}
	return w
}
