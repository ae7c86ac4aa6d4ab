package manager

import "time"

// Backoff controls the delay before an auto-restart. The defaults give a flat
// two second debounce.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// ResetAfter is how long a run must last for the next delay to start over
	// from Initial.
	ResetAfter time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        2 * time.Second,
		Multiplier: 1.0,
		ResetAfter: 10 * time.Second,
	}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.ResetAfter <= 0 {
		b.ResetAfter = d.ResetAfter
	}
	return b
}

// Next returns the delay to use after a run that lasted ran, given the delay
// used before it (zero for none).
func (b Backoff) Next(prev, ran time.Duration) time.Duration {
	if prev <= 0 || ran >= b.ResetAfter || b.Multiplier <= 1 {
		return b.Initial
	}
	d := time.Duration(float64(prev) * b.Multiplier)
	if d > b.Max {
		d = b.Max
	}
	if d < b.Initial {
		d = b.Initial
	}
	return d
}
