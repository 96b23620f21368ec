// Package ambient implements the ambient-awareness state machine (C4): a
// 3-state, duty-cycled motion monitor running low-resolution optical flow
// and emitting coarse events at a rate that scales with recent activity.
package ambient

import (
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/jarvis-core/perception/internal/vision/flow"
	"github.com/jarvis-core/perception/internal/vision/types"
)

// State is one of the three ambient-awareness states.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateCooldown State = "cooldown"
)

const (
	defaultIdleHz                = 2.0
	defaultActiveHz               = 5.0
	defaultActiveDurationSec     = 30.0
	defaultCooldownSec          = 10.0
	defaultEgoMotionThreshold    = 3.0
	defaultMotionEnergyThreshold = 0.08
	defaultSceneChangeThreshold = 0.25
	defaultThermalCheckInterval = 30.0
	defaultThermalPauseC        = 80.0
	defaultBatteryLowPct        = 15
)

// Options configures a Monitor.
type Options struct {
	IdleHz                float64
	ActiveHz              float64
	ActiveDurationSec     float64
	CooldownSec           float64
	EgoMotionThreshold    float64
	MotionEnergyThreshold float64
	SceneChangeThreshold  float64
	ThermalCheckInterval  float64
	ThermalPauseC         float64
	BatteryLowPct         int
}

// DefaultOptions returns the specification's default thresholds.
func DefaultOptions() Options {
	return Options{
		IdleHz:                defaultIdleHz,
		ActiveHz:              defaultActiveHz,
		ActiveDurationSec:     defaultActiveDurationSec,
		CooldownSec:           defaultCooldownSec,
		EgoMotionThreshold:    defaultEgoMotionThreshold,
		MotionEnergyThreshold: defaultMotionEnergyThreshold,
		SceneChangeThreshold:  defaultSceneChangeThreshold,
		ThermalCheckInterval:  defaultThermalCheckInterval,
		ThermalPauseC:         defaultThermalPauseC,
		BatteryLowPct:         defaultBatteryLowPct,
	}
}

// ThermalBatteryReader polls external hardware sensors. Both methods may
// return an error when the sensor is unavailable; Monitor treats that as
// "no event this check".
type ThermalBatteryReader interface {
	ThermalCelsius() (float64, error)
	BatteryPercent() (int, error)
}

// Monitor runs the ambient-awareness state machine. Calls on one instance
// are serialized by an internal mutex; it is driven by one owning
// goroutine per spec.md's "touched only by the per-frame pipeline worker"
// ownership rule.
type Monitor struct {
	mu   sync.Mutex
	opts Options

	flow   *flow.Estimator
	sensor ThermalBatteryReader

	state        State
	stateEntered time.Time
	lastThermal  time.Time

	hasBaseline   bool
	prevIntensity float64
	wasEgoMoving  bool
}

// NewMonitor builds a Monitor. sensor may be nil if no thermal/battery
// reader is available; in that case steps 2 of check_frame are skipped.
func NewMonitor(opts Options, sensor ThermalBatteryReader) *Monitor {
	m := &Monitor{
		opts:         opts,
		flow:         flow.NewEstimator(flow.AmbientOptions()),
		sensor:       sensor,
		state:        StateIdle,
		stateEntered: now(),
	}
	return m
}

// Close releases resources held by the monitor's optical-flow estimator.
func (m *Monitor) Close() error {
	return m.flow.Close()
}

// State returns the monitor's current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PollInterval returns the duty-cycle sleep interval for the current
// state: 1/IdleHz in IDLE, 1/ActiveHz in ACTIVE and COOLDOWN.
func (m *Monitor) PollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	hz := m.opts.IdleHz
	if m.state != StateIdle {
		hz = m.opts.ActiveHz
	}
	if hz <= 0 {
		hz = defaultIdleHz
	}
	return time.Duration(float64(time.Second) / hz)
}

// EnterCooldown forces a transition to COOLDOWN for CooldownSec, callable
// by an external caller (e.g. after the orchestrator completes a turn).
func (m *Monitor) EnterCooldown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateCooldown)
}

// Reset restores IDLE state and clears scene-change baseline.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateIdle)
	m.hasBaseline = false
	m.wasEgoMoving = false
	m.flow.Reset()
}

func (m *Monitor) transition(to State) {
	m.state = to
	m.stateEntered = now()
}

// CheckFrame runs one ambient-monitor tick against frame (expected at or
// downscaled to 160x120) and returns an AmbientEvent, or nil when nothing
// is emitted this tick.
func (m *Monitor) CheckFrame(frame gocv.Mat) *types.AmbientEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.honorTimeouts()

	if event := m.checkThermalBattery(); event != nil {
		return m.finishEvent(event)
	}

	result, err := m.flow.Compute(frame)
	if err != nil || result == nil {
		return nil
	}

	meanIntensity := meanGray(frame)

	if !m.hasBaseline {
		m.prevIntensity = meanIntensity
		m.hasBaseline = true
		return nil
	}

	if result.Flow == nil {
		return nil
	}

	motionEnergy := flow.ComputeMotionEnergy(result, 1.5)
	meanMag := result.MeanMagnitude

	sceneDelta := math.Abs(meanIntensity-m.prevIntensity) / math.Max(meanIntensity, 1)
	m.prevIntensity = meanIntensity

	egoMoving := meanMag > m.opts.EgoMotionThreshold

	var event *types.AmbientEvent

	switch {
	case egoMoving != m.wasEgoMoving:
		if egoMoving {
			event = &types.AmbientEvent{Type: types.EventEgoMotionStart, MotionEnergy: motionEnergy, EgoSpeed: meanMag}
		} else {
			event = &types.AmbientEvent{Type: types.EventEgoMotionStop, MotionEnergy: motionEnergy, EgoSpeed: meanMag}
		}
	case sceneDelta > m.opts.SceneChangeThreshold:
		event = &types.AmbientEvent{Type: types.EventSceneChange, MotionEnergy: motionEnergy, EgoSpeed: meanMag, Detail: "scene changed"}
	case !egoMoving && motionEnergy > m.opts.MotionEnergyThreshold:
		event = &types.AmbientEvent{Type: types.EventMotionDetected, MotionEnergy: motionEnergy, EgoSpeed: meanMag}
	}

	m.wasEgoMoving = egoMoving

	if event == nil {
		return nil
	}

	if m.state == StateCooldown {
		return nil
	}

	return m.finishEvent(event)
}

// honorTimeouts applies the ACTIVE->IDLE and COOLDOWN->IDLE timeouts
// before any other processing, per spec.md §4.4 step 1.
func (m *Monitor) honorTimeouts() {
	elapsed := now().Sub(m.stateEntered).Seconds()
	switch m.state {
	case StateActive:
		if elapsed >= m.opts.ActiveDurationSec {
			m.transition(StateIdle)
		}
	case StateCooldown:
		if elapsed >= m.opts.CooldownSec {
			m.transition(StateIdle)
		}
	}
}

// checkThermalBattery polls the sensor reader at most once per
// ThermalCheckInterval and may emit an event even during COOLDOWN.
func (m *Monitor) checkThermalBattery() *types.AmbientEvent {
	if m.sensor == nil {
		return nil
	}
	if !m.lastThermal.IsZero() && now().Sub(m.lastThermal).Seconds() < m.opts.ThermalCheckInterval {
		return nil
	}
	m.lastThermal = now()

	if temp, err := m.sensor.ThermalCelsius(); err == nil && temp >= m.opts.ThermalPauseC {
		return &types.AmbientEvent{Type: types.EventThermalThrottle, Detail: "thermal throttle"}
	}
	if pct, err := m.sensor.BatteryPercent(); err == nil && pct < m.opts.BatteryLowPct {
		return &types.AmbientEvent{Type: types.EventBatteryLow, Detail: "battery low"}
	}
	return nil
}

// finishEvent stamps the event, forces ACTIVE, and sets
// RecommendFullScan, per spec.md §4.4 step 9.
func (m *Monitor) finishEvent(event *types.AmbientEvent) *types.AmbientEvent {
	event.Timestamp = now()
	event.RecommendFullScan = true
	m.transition(StateActive)
	return event
}

func meanGray(frame gocv.Mat) float64 {
	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}
	mean := gray.Mean()
	return mean.Val1
}

var timeNow = time.Now

func now() time.Time { return timeNow() }
