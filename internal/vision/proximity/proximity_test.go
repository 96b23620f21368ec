package proximity

import (
	"testing"

	"github.com/jarvis-core/perception/internal/vision/types"
)

func depthPtr(v float64) *float64 { return &v }

func TestRelativeToMetersDisparityRegime(t *testing.T) {
	got := relativeToMeters(500)
	want := 1.0
	if got != want {
		t.Errorf("relativeToMeters(500) = %f, want %f", got, want)
	}
}

func TestRelativeToMetersDisparityRegimeHalfMeter(t *testing.T) {
	got := relativeToMeters(1000)
	if got != 0.5 {
		t.Errorf("relativeToMeters(1000) = %f, want 0.5", got)
	}
}

func TestRelativeToMetersClampedToRange(t *testing.T) {
	if got := relativeToMeters(0.0001); got > 20 {
		t.Errorf("expected clamp to max 20m, got %f", got)
	}
	if got := relativeToMeters(100000); got < 0.1 {
		t.Errorf("expected clamp to min 0.1m, got %f", got)
	}
}

func TestLevelForTiers(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		vy       float64
		wantOK   bool
		want     types.ProximityLevel
	}{
		{"critical", 0.3, 0, true, types.ProximityCritical},
		{"warning", 1.0, 0, true, types.ProximityWarning},
		{"notice approaching", 2.0, -10, true, types.ProximityNotice},
		{"notice not approaching", 2.0, 0, false, ""},
		{"too far", 5.0, -10, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, ok := levelFor(tt.distance, tt.vy)
			if ok != tt.wantOK {
				t.Fatalf("levelFor ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && level != tt.want {
				t.Errorf("level = %s, want %s", level, tt.want)
			}
		})
	}
}

func TestCheckSortedByDistance(t *testing.T) {
	a := NewAlerter(DefaultOptions())
	tracks := []types.TrackedObject{
		{TrackID: 1, ClassName: "box", Depth: depthPtr(1000)}, // 0.5m
		{TrackID: 2, ClassName: "cup", Depth: depthPtr(2000)}, // 0.25m (disparity regime: 500/2000)
	}
	alerts := a.Check(tracks)
	for i := 1; i < len(alerts); i++ {
		if alerts[i-1].DistanceM > alerts[i].DistanceM {
			t.Fatalf("expected alerts sorted ascending by distance, got %+v", alerts)
		}
	}
}

func TestCheckCooldownSuppressesRepeat(t *testing.T) {
	a := NewAlerter(Options{CooldownSec: 5})
	tracks := []types.TrackedObject{
		{TrackID: 1, ClassName: "box", Depth: depthPtr(1000)},
	}
	first := a.Check(tracks)
	if len(first) != 1 {
		t.Fatalf("expected 1 alert on first check, got %d", len(first))
	}
	second := a.Check(tracks)
	if len(second) != 0 {
		t.Fatalf("expected cooldown to suppress repeat alert, got %d", len(second))
	}
}

func TestCheckSkipsTracksWithoutDepth(t *testing.T) {
	a := NewAlerter(DefaultOptions())
	tracks := []types.TrackedObject{{TrackID: 1, ClassName: "box"}}
	if alerts := a.Check(tracks); len(alerts) != 0 {
		t.Fatalf("expected no alerts for track without depth, got %d", len(alerts))
	}
}

func TestFormatSummaryEmptyWhenNoAlerts(t *testing.T) {
	if got := FormatSummary(nil); got != "" {
		t.Errorf("expected empty summary for no alerts, got %q", got)
	}
}

func TestFormatSummaryTagsLevelAndCapsAtThree(t *testing.T) {
	alerts := []types.ProximityAlert{
		{ClassName: "person", Level: types.ProximityCritical, Message: "Sir, person is critical — 0.3 meters away."},
		{ClassName: "chair", Level: types.ProximityWarning, Message: "Sir, chair is warning — 1.0 meters away."},
		{ClassName: "box", Level: types.ProximityNotice, Message: "Sir, box is notice — 2.5 meters away."},
		{ClassName: "cup", Level: types.ProximityNotice, Message: "Sir, cup is notice — 2.8 meters away."},
	}
	got := FormatSummary(alerts)
	want := "[CRITICAL] Sir, person is critical — 0.3 meters away. " +
		"[WARNING] Sir, chair is warning — 1.0 meters away. " +
		"[NOTICE] Sir, box is notice — 2.5 meters away."
	if got != want {
		t.Errorf("FormatSummary() = %q, want %q", got, want)
	}
}
