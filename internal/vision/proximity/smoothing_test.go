package proximity

import (
	"testing"

	"github.com/jarvis-core/perception/internal/vision/types"
)

func TestScalarFilterConvergesTowardSteadyMeasurement(t *testing.T) {
	f := newScalarFilter(0.5)
	var last float64
	for i := 0; i < 50; i++ {
		last = f.update(2.0)
	}
	if diff := last - 2.0; diff > 0.01 || diff < -0.01 {
		t.Errorf("expected filter to converge near 2.0, got %f", last)
	}
}

func TestScalarFilterFirstUpdateReturnsMeasurementUnchanged(t *testing.T) {
	f := newScalarFilter(0.5)
	if got := f.update(3.3); got != 3.3 {
		t.Errorf("expected first update to pass through unchanged, got %f", got)
	}
}

func TestDistanceSmootherTracksIndependentlyPerTrack(t *testing.T) {
	s := newDistanceSmoother(0.5)
	a := s.smooth(1, 1.0)
	b := s.smooth(2, 5.0)
	if a == b {
		t.Fatalf("expected independent filters per track, got equal values %f/%f", a, b)
	}
}

func TestDistanceSmootherResetClearsState(t *testing.T) {
	s := newDistanceSmoother(0.5)
	s.smooth(1, 10.0)
	s.smooth(1, 10.0)
	s.reset()
	got := s.smooth(1, 1.0)
	if got != 1.0 {
		t.Errorf("expected reset filter to pass first measurement through unchanged, got %f", got)
	}
}

func TestAlerterSmoothsDistanceWhenFactorConfigured(t *testing.T) {
	a := NewAlerter(Options{CooldownSec: 0, SmoothingFactor: 0.3})
	tracks := []types.TrackedObject{
		{TrackID: 1, ClassName: "person", Depth: depthPtr(1000)},
	}
	alerts := a.Check(tracks)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert on first smoothed reading, got %d", len(alerts))
	}
	if a.smoother == nil {
		t.Error("expected smoother to be configured when SmoothingFactor > 0")
	}
}
