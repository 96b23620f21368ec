// Package pipeline implements the perception pipeline (C6): per-frame
// orchestration of optical flow, ego-motion, detection, tracking,
// trajectory prediction, proximity alerting, and ambient awareness.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jarvis-core/perception/internal/telemetry"
	"github.com/jarvis-core/perception/internal/vision/ambient"
	"github.com/jarvis-core/perception/internal/vision/egomotion"
	"github.com/jarvis-core/perception/internal/vision/flow"
	"github.com/jarvis-core/perception/internal/vision/proximity"
	"github.com/jarvis-core/perception/internal/vision/shared"
	"github.com/jarvis-core/perception/internal/vision/trajectory"
	"github.com/jarvis-core/perception/internal/vision/tracker"
	"github.com/jarvis-core/perception/internal/vision/types"
)

var log = telemetry.Component("vision.pipeline")

// Errors returned by Pipeline's lifecycle methods, mirroring the teacher's
// sentinel-error convention for invalid state transitions.
var (
	ErrPipelineClosed  = errors.New("pipeline is closed")
	ErrPipelineRunning = errors.New("pipeline is already running")
	ErrPipelineStopped = errors.New("pipeline is not running")
)

// State is the pipeline's run state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Pipeline.
type Options struct {
	FrameWidth  int
	FrameHeight int
	FPS         int
}

// DefaultOptions returns the spec's default 320x240 flow/collision frame
// size at 30 FPS.
func DefaultOptions() Options {
	return Options{FrameWidth: 320, FrameHeight: 240, FPS: 30}
}

// Pipeline owns C1-C5's stateful instances (flow, ego-motion, tracker,
// trajectory predictor, proximity alerter) and C4's ambient monitor, and
// drives them against frames pulled from the shared camera/detector
// registry (C7). It is restartable and stateless across frames except for
// those owned instances, per spec.md §4.6.
type Pipeline struct {
	opts Options

	registry *shared.Registry

	flowEst    *flow.Estimator
	egoEst     *egomotion.Estimator
	trk        *tracker.Tracker
	predictor  *trajectory.Predictor
	proximityA *proximity.Alerter
	ambientMon *ambient.Monitor

	skipEgo bool

	mu          sync.RWMutex
	state       State
	subscribers []chan *types.PipelineResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount int
}

// New builds a Pipeline around a shared hardware registry. sensor may be
// nil if no thermal/battery reader is available.
func New(opts Options, registry *shared.Registry, sensor ambient.ThermalBatteryReader) *Pipeline {
	return &Pipeline{
		opts:       opts,
		registry:   registry,
		flowEst:    flow.NewEstimator(flow.Options{Width: opts.FrameWidth, Height: opts.FrameHeight, Method: flow.MethodFarneback, MaxCorners: 60}),
		egoEst:     egomotion.NewEstimator(egomotion.DefaultOptions()),
		trk:        tracker.New(tracker.DefaultOptions()),
		predictor:  trajectory.NewPredictor(trajectory.DefaultOptions()),
		proximityA: proximity.NewAlerter(proximity.DefaultOptions()),
		ambientMon: ambient.NewMonitor(ambient.DefaultOptions(), sensor),
		state:      StateIdle,
	}
}

// State returns the pipeline's current run state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Subscribe returns a channel receiving each frame's PipelineResult. The
// caller must drain it or risk dropped (not blocked) results.
func (p *Pipeline) Subscribe() <-chan *types.PipelineResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *types.PipelineResult, 4)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Start begins the per-frame loop in a background goroutine.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateRunning:
		return ErrPipelineRunning
	case StateClosed:
		return ErrPipelineClosed
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.state = StateRunning
	p.frameCount = 0

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop halts the per-frame loop but leaves resources open for a later
// Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return ErrPipelineStopped
	}
	p.cancel()
	p.state = StateStopped
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Close stops the pipeline and releases all owned resources.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if p.state == StateRunning {
		p.cancel()
	}
	p.state = StateClosed
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	if err := p.flowEst.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.ambientMon.Close(); err != nil {
		errs = append(errs, err)
	}

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("closing pipeline: %v", errs)
	}
	return nil
}

func (p *Pipeline) loop() {
	defer p.wg.Done()

	fps := p.opts.FPS
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			result := p.RunOnce()
			p.dispatch(result)
		}
	}
}

func (p *Pipeline) dispatch(result *types.PipelineResult) {
	p.mu.RLock()
	subscribers := p.subscribers
	p.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- result:
		default:
		}
	}
}

// RunOnce executes one full pipeline iteration synchronously: grab a
// frame, run C1, optionally C2, the shared detector, the tracker, C3, C5,
// and C4, and return the assembled PipelineResult with per-stage
// latencies. Safe to call directly (e.g. from tests) without Start.
func (p *Pipeline) RunOnce() *types.PipelineResult {
	start := time.Now()
	p.frameCount++
	result := &types.PipelineResult{Frame: p.frameCount}

	frame, err := p.registry.ReadFrame()
	if err != nil {
		log.Warn().Err(err).Msg("pipeline frame read failed")
		result.TotalLatencyMS = sinceMS(start)
		return result
	}
	defer frame.Close()

	stage := func(name string, fn func()) {
		s := time.Now()
		fn()
		result.StageLatencies = append(result.StageLatencies, types.PipelineStageLatency{Stage: name, DurationMS: sinceMS(s)})
	}

	var flowResult *types.FlowResult
	stage("flow", func() {
		flowResult, _ = p.flowEst.Compute(frame)
	})

	if !p.skipEgo && flowResult != nil && len(flowResult.PrevPoints) > 0 {
		stage("egomotion", func() {
			ego := p.egoEst.Estimate(flowResult.PrevPoints, flowResult.CurrPoints, p.opts.FrameWidth, p.opts.FrameHeight)
			result.Ego = &ego
		})
	}

	var detections []types.Detection
	stage("detector", func() {
		detections = p.registry.RunInference(frame)
	})

	stage("tracker", func() {
		result.Tracks = p.trk.Update(detections, time.Now())
	})

	stage("trajectory", func() {
		result.Trajectories, result.CollisionAlerts = p.predictor.PredictAll(result.Tracks, nil, p.opts.FrameWidth, p.opts.FrameHeight)
	})

	stage("proximity", func() {
		result.ProximityAlerts = p.proximityA.Check(result.Tracks)
	})

	stage("ambient", func() {
		result.AmbientEvent = p.ambientMon.CheckFrame(frame)
	})

	result.Detections = detections
	result.TotalLatencyMS = sinceMS(start)
	return result
}

func sinceMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
