package history

import (
	"testing"
	"time"
)

func TestComputeStats(t *testing.T) {
	results := []Result{{DurationMS: 30}, {DurationMS: 10}, {DurationMS: 20}}

	got := ComputeStats(results)
	want := Stats{Min: 10 * time.Millisecond, Max: 30 * time.Millisecond, Mean: 20 * time.Millisecond}

	if got != want {
		t.Errorf("ComputeStats = %+v; want %+v", got, want)
	}

	if got := ComputeStats(nil); got != (Stats{}) {
		t.Errorf("ComputeStats(nil) = %+v; want zero", got)
	}
}

func TestResultDuration(t *testing.T) {
	if got := (Result{DurationMS: 1.5}).Duration(); got != 1500*time.Microsecond {
		t.Errorf("Duration = %v", got)
	}
}
