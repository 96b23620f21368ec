package flow

import (
	"testing"

	"gocv.io/x/gocv"

	"github.com/jarvis-core/perception/internal/vision/types"
)

func solidFrame(width, height int, gray uint8) gocv.Mat {
	m := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(float64(gray), float64(gray), float64(gray), 0))
	return m
}

func TestComputeFirstCallReturnsNilFlow(t *testing.T) {
	e := NewEstimator(DefaultOptions())
	defer e.Close()

	frame := solidFrame(640, 480, 128)
	defer frame.Close()

	result, err := e.Compute(frame)
	if err != nil {
		t.Fatalf("Compute returned error on first call: %v", err)
	}
	if result.Flow != nil {
		t.Fatalf("expected nil flow on warmup call, got %v", result.Flow)
	}
}

func TestComputeIdenticalFramesZeroMagnitude(t *testing.T) {
	e := NewEstimator(DefaultOptions())
	defer e.Close()

	frame := solidFrame(640, 480, 128)
	defer frame.Close()

	if _, err := e.Compute(frame); err != nil {
		t.Fatalf("warmup compute failed: %v", err)
	}

	result, err := e.Compute(frame)
	if err != nil {
		t.Fatalf("second compute failed: %v", err)
	}
	if result.MeanMagnitude > 0.5 {
		t.Fatalf("expected near-zero mean magnitude for identical frames, got %f", result.MeanMagnitude)
	}
}

func TestResetClearsWarmupState(t *testing.T) {
	e := NewEstimator(DefaultOptions())
	defer e.Close()

	frame := solidFrame(320, 240, 100)
	defer frame.Close()

	if _, err := e.Compute(frame); err != nil {
		t.Fatalf("first compute failed: %v", err)
	}
	e.Reset()

	result, err := e.Compute(frame)
	if err != nil {
		t.Fatalf("compute after reset failed: %v", err)
	}
	if result.Flow != nil {
		t.Fatalf("expected nil flow immediately after Reset, got non-nil")
	}
}

func TestComputeMotionEnergyEmpty(t *testing.T) {
	if e := ComputeMotionEnergy(nil, 1.0); e != 0 {
		t.Fatalf("expected 0 motion energy for nil result, got %f", e)
	}
}

func TestComputeMotionEnergyFraction(t *testing.T) {
	result := &types.FlowResult{
		Flow: [][2]float32{
			{0, 0},
			{5, 0},
			{0, 5},
			{0.1, 0.1},
		},
	}
	energy := ComputeMotionEnergy(result, 1.0)
	if energy != 0.5 {
		t.Fatalf("expected motion energy 0.5 (2 of 4 above threshold), got %f", energy)
	}
}
