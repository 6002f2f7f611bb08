package history

import "time"

// Stats holds aggregate unit durations for one run.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// Duration returns the recorded wall time of the unit.
func (r Result) Duration() time.Duration {
	return time.Duration(r.DurationMS * float64(time.Millisecond))
}

// ComputeStats calculates min, max and mean unit duration. Zero for no results.
func ComputeStats(results []Result) Stats {
	if len(results) == 0 {
		return Stats{}
	}

	mn, mx := results[0].Duration(), results[0].Duration()

	var sum time.Duration

	for _, r := range results {
		d := r.Duration()
		if d < mn {
			mn = d
		}

		if d > mx {
			mx = d
		}

		sum += d
	}

	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(results)),
	}
}
