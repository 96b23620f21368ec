package tracker

import (
	"testing"
	"time"

	"github.com/jarvis-core/perception/internal/vision/types"
)

func TestUpdateCreatesNewTrack(t *testing.T) {
	tr := New(DefaultOptions())
	now := time.Now()

	live := tr.Update([]types.Detection{{X1: 10, Y1: 10, X2: 50, Y2: 50, ClassName: "person"}}, now)
	if len(live) != 1 {
		t.Fatalf("expected 1 track, got %d", len(live))
	}
	if live[0].TrackID == 0 {
		t.Errorf("expected non-zero track ID")
	}
	if live[0].FramesSeen != 1 {
		t.Errorf("expected FramesSeen=1, got %d", live[0].FramesSeen)
	}
}

func TestUpdateMatchesByIoU(t *testing.T) {
	tr := New(DefaultOptions())
	t0 := time.Now()

	first := tr.Update([]types.Detection{{X1: 10, Y1: 10, X2: 50, Y2: 50, ClassName: "person"}}, t0)
	id := first[0].TrackID

	t1 := t0.Add(100 * time.Millisecond)
	second := tr.Update([]types.Detection{{X1: 15, Y1: 10, X2: 55, Y2: 50, ClassName: "person"}}, t1)

	if len(second) != 1 {
		t.Fatalf("expected 1 track after overlapping detection, got %d", len(second))
	}
	if second[0].TrackID != id {
		t.Errorf("expected track ID to persist across matched frames, got %d want %d", second[0].TrackID, id)
	}
	if second[0].VX <= 0 {
		t.Errorf("expected positive VX for rightward shift, got %f", second[0].VX)
	}
}

func TestUpdateRetiresAfterMaxUnmatched(t *testing.T) {
	tr := New(Options{IoUThreshold: 0.3, MaxUnmatched: 2})
	t0 := time.Now()
	tr.Update([]types.Detection{{X1: 0, Y1: 0, X2: 10, Y2: 10, ClassName: "box"}}, t0)

	for i := 1; i <= 3; i++ {
		ti := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		tr.Update(nil, ti)
	}

	live := tr.Update(nil, t0.Add(400*time.Millisecond))
	if len(live) != 0 {
		t.Fatalf("expected track retired after exceeding MaxUnmatched, got %d live tracks", len(live))
	}
}

func TestIntersectionOverUnion(t *testing.T) {
	iou := intersectionOverUnion(0, 0, 10, 10, 5, 5, 15, 15)
	if iou <= 0 || iou >= 1 {
		t.Fatalf("expected partial overlap IoU in (0,1), got %f", iou)
	}

	noOverlap := intersectionOverUnion(0, 0, 10, 10, 100, 100, 110, 110)
	if noOverlap != 0 {
		t.Fatalf("expected 0 IoU for disjoint boxes, got %f", noOverlap)
	}

	identical := intersectionOverUnion(0, 0, 10, 10, 0, 0, 10, 10)
	if identical != 1 {
		t.Fatalf("expected IoU 1 for identical boxes, got %f", identical)
	}
}
