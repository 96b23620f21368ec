package pipeline

import (
	"testing"

	"github.com/jarvis-core/perception/internal/vision/shared"
)

func newTestPipeline() *Pipeline {
	registry := shared.NewRegistry(shared.CameraConfig{DeviceID: 0, Width: 320, Height: 240, FPS: 30}, nil, nil)
	return New(DefaultOptions(), registry, nil)
}

func TestRunOnceWithoutCameraDegradesGracefully(t *testing.T) {
	p := newTestPipeline()
	defer p.Close()

	result := p.RunOnce()
	if result == nil {
		t.Fatal("expected a non-nil PipelineResult even when the camera is unavailable")
	}
	if result.TotalLatencyMS < 0 {
		t.Errorf("expected non-negative latency, got %f", result.TotalLatencyMS)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	p := newTestPipeline()
	defer p.Close()

	if p.State() != StateIdle {
		t.Fatalf("expected initial state idle, got %s", p.State())
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(); err != ErrPipelineRunning {
		t.Errorf("expected ErrPipelineRunning on double Start, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(); err != ErrPipelineStopped {
		t.Errorf("expected ErrPipelineStopped on double Stop, got %v", err)
	}
}

func TestCloseIsIdempotentError(t *testing.T) {
	p := newTestPipeline()
	if err := p.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := p.Close(); err != ErrPipelineClosed {
		t.Errorf("expected ErrPipelineClosed on second Close, got %v", err)
	}
}

func TestSubscribeReceivesResults(t *testing.T) {
	p := newTestPipeline()
	defer p.Close()

	ch := p.Subscribe()
	result := p.RunOnce()
	p.dispatch(result)

	select {
	case got := <-ch:
		if got.Frame != result.Frame {
			t.Errorf("expected dispatched result frame %d, got %d", result.Frame, got.Frame)
		}
	default:
		t.Fatal("expected a result on the subscriber channel")
	}
}
