package shared

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"

	"github.com/jarvis-core/perception/internal/vision/types"
)

func TestCameraLazyInitSharesHandle(t *testing.T) {
	r := NewRegistry(CameraConfig{DeviceID: 0, Width: 640, Height: 480, FPS: 30}, nil, nil)

	cam1, err := r.Camera()
	if err != nil {
		t.Skipf("skipping: no camera available: %v", err)
	}
	cam2, err := r.Camera()
	if err != nil {
		t.Fatalf("second Camera() call errored: %v", err)
	}
	if cam1 != cam2 {
		t.Errorf("expected second Camera() call to return the same handle")
	}
	r.ReleaseCamera()
}

func TestReleaseCameraTwiceIsSafe(t *testing.T) {
	r := NewRegistry(CameraConfig{DeviceID: 0}, nil, nil)
	if _, err := r.Camera(); err != nil {
		t.Skipf("skipping: no camera available: %v", err)
	}
	if err := r.ReleaseCamera(); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := r.ReleaseCamera(); err != nil {
		t.Fatalf("second release should be a no-op, got error: %v", err)
	}
}

func TestRunInferenceAbsentEngineReturnsEmpty(t *testing.T) {
	r := NewRegistry(CameraConfig{}, nil, nil)
	frame := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	defer frame.Close()

	detections := r.RunInference(frame)
	if len(detections) != 0 {
		t.Errorf("expected no detections with no engine configured, got %d", len(detections))
	}
}

type fakeDetector struct {
	detections []types.Detection
	err        error
}

func (f fakeDetector) Run(frame gocv.Mat) ([]types.Detection, error) { return f.detections, f.err }
func (f fakeDetector) ClassNames() map[int]string                   { return map[int]string{0: "person"} }

func TestRunInferenceReturnsDetectorOutput(t *testing.T) {
	det := fakeDetector{detections: []types.Detection{{ClassID: 0, ClassName: "person", Confidence: 0.9}}}
	r := NewRegistry(CameraConfig{}, func() (Detector, error) { return det, nil }, nil)

	frame := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	defer frame.Close()

	detections := r.RunInference(frame)
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
}

func TestRunInferenceCachesFailedInitAsAbsent(t *testing.T) {
	calls := 0
	r := NewRegistry(CameraConfig{}, func() (Detector, error) {
		calls++
		return nil, errors.New("engine unavailable")
	}, nil)

	frame := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	defer frame.Close()

	r.RunInference(frame)
	r.RunInference(frame)

	if calls != 1 {
		t.Errorf("expected detectorOpen to be attempted once and then cached as absent, got %d calls", calls)
	}
}

func TestDescribeSceneSentinelWhenCameraMissing(t *testing.T) {
	r := NewRegistry(CameraConfig{DeviceID: 999}, nil, nil)
	if _, err := r.Camera(); err == nil {
		t.Skip("device 999 unexpectedly exists")
	}
	if got := r.DescribeScene(); got != "Vision temporarily unavailable." {
		t.Errorf("expected sentinel string for missing camera, got %q", got)
	}
}
