// Package trajectory implements the trajectory predictor (C3): per-track
// waypoint forecasting, behavior classification, and collision alerting.
package trajectory

import (
	"fmt"
	"math"
	"sync"

	"github.com/jarvis-core/perception/internal/vision/types"
)

const (
	defaultMinSpeedPxSec   = 5.0
	defaultHorizonSec      = 3.0
	defaultSteps           = 6
	defaultCollisionZoneM  = 2.0
	accelerationDamping    = 0.3
	collisionRiskThreshold = 0.2
)

// Options configures a Predictor.
type Options struct {
	MinSpeedPxSec   float64
	HorizonSec      float64
	Steps           int
	CollisionZoneM  float64
}

// DefaultOptions returns the specification's default thresholds.
func DefaultOptions() Options {
	return Options{
		MinSpeedPxSec:  defaultMinSpeedPxSec,
		HorizonSec:     defaultHorizonSec,
		Steps:          defaultSteps,
		CollisionZoneM: defaultCollisionZoneM,
	}
}

// Predictor retains per-track velocity history to compute damped
// acceleration across calls. Calls on one instance are serialized by an
// internal mutex.
type Predictor struct {
	mu            sync.Mutex
	opts          Options
	prevVelocity  map[int]types.Point2D
}

// NewPredictor builds a Predictor.
func NewPredictor(opts Options) *Predictor {
	if opts.MinSpeedPxSec <= 0 {
		opts.MinSpeedPxSec = defaultMinSpeedPxSec
	}
	if opts.HorizonSec <= 0 {
		opts.HorizonSec = defaultHorizonSec
	}
	if opts.Steps <= 0 {
		opts.Steps = defaultSteps
	}
	if opts.CollisionZoneM <= 0 {
		opts.CollisionZoneM = defaultCollisionZoneM
	}
	return &Predictor{
		opts:         opts,
		prevVelocity: make(map[int]types.Point2D),
	}
}

// Reset clears all retained per-track velocity history.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prevVelocity = make(map[int]types.Point2D)
}

// DepthProvider optionally supplies a pseudo-metric depth and metric
// velocity for a track, both nil when unknown.
type DepthProvider func(trackID int) (depthM *float64, velocityMPS *types.Point2D)

// PredictAll computes a PredictedTrajectory and, where applicable, a
// CollisionAlert for every tracked object. frameWidth/frameHeight give the
// image size used to locate the image center for behavior classification.
func (p *Predictor) PredictAll(tracks []types.TrackedObject, depth DepthProvider, frameWidth, frameHeight int) ([]types.PredictedTrajectory, []types.CollisionAlert) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[int]bool, len(tracks))
	trajectories := make([]types.PredictedTrajectory, 0, len(tracks))
	var alerts []types.CollisionAlert

	cx, cy := float64(frameWidth)/2, float64(frameHeight)/2

	for _, track := range tracks {
		seen[track.TrackID] = true

		speed := math.Hypot(track.VX, track.VY)
		traj := types.PredictedTrajectory{
			TrackID:   track.TrackID,
			ClassName: track.ClassName,
			Position:  types.Point2D{X: track.CenterX(), Y: track.CenterY()},
			VelocityPx: types.Point2D{X: track.VX, Y: track.VY},
		}

		if speed < p.opts.MinSpeedPxSec {
			traj.Behavior = types.BehaviorStationary
			trajectories = append(trajectories, traj)
			continue
		}

		prev, hadPrev := p.prevVelocity[track.TrackID]
		var ax, ay float64
		if hadPrev {
			ax = (track.VX - prev.X) * accelerationDamping
			ay = (track.VY - prev.Y) * accelerationDamping
		}
		p.prevVelocity[track.TrackID] = types.Point2D{X: track.VX, Y: track.VY}

		waypoints := make([]types.Waypoint, 0, p.opts.Steps)
		for k := 1; k <= p.opts.Steps; k++ {
			t := (float64(k) / float64(p.opts.Steps)) * p.opts.HorizonSec
			x := traj.Position.X + track.VX*t + 0.5*ax*t*t
			y := traj.Position.Y + track.VY*t + 0.5*ay*t*t
			waypoints = append(waypoints, types.Waypoint{X: x, Y: y, TSec: t})
		}
		traj.Waypoints = waypoints

		traj.Behavior = classifyBehavior(track.VX, track.VY, traj.Position.X, traj.Position.Y, cx, cy, speed)

		var depthM *float64
		var velocityMPS *types.Point2D
		if depth != nil {
			depthM, velocityMPS = depth(track.TrackID)
		}
		traj.DepthM = depthM
		traj.VelocityMPS = velocityMPS
		if velocityMPS != nil {
			traj.SpeedMPS = math.Hypot(velocityMPS.X, velocityMPS.Y)
		}

		if depthM != nil && velocityMPS != nil && traj.Behavior == types.BehaviorApproaching && traj.SpeedMPS > 0 {
			ttc := *depthM / traj.SpeedMPS
			traj.TimeToCollision = &ttc
			traj.CollisionRisk = math.Min(1, p.opts.CollisionZoneM/math.Max(*depthM, 0.1))
			traj.CollisionDir = collisionDirection(traj.Position.X, float64(frameWidth))

			if alert, ok := buildAlert(track.TrackID, track.ClassName, traj.SpeedMPS, *depthM, ttc, traj.CollisionDir, p.opts.HorizonSec, traj.CollisionRisk); ok {
				alerts = append(alerts, alert)
			}
		}

		trajectories = append(trajectories, traj)
	}

	for id := range p.prevVelocity {
		if !seen[id] {
			delete(p.prevVelocity, id)
		}
	}

	return trajectories, alerts
}

// classifyBehavior implements the dot/cross classification against the
// to-camera vector from spec.md §4.3.
func classifyBehavior(vx, vy, posX, posY, cx, cy, speed float64) types.Behavior {
	toCamX, toCamY := cx-posX, cy-posY
	dist := math.Hypot(toCamX, toCamY)
	if dist < 1.0 {
		return types.BehaviorOrbiting
	}
	toCamX, toCamY = toCamX/dist, toCamY/dist

	dot := vx*toCamX + vy*toCamY
	cross := vx*toCamY - vy*toCamX

	switch {
	case dot > 0.5*speed:
		return types.BehaviorApproaching
	case dot < -0.5*speed:
		return types.BehaviorReceding
	case math.Abs(cross) > 0.5*speed:
		return types.BehaviorCrossing
	default:
		return types.BehaviorMoving
	}
}

func collisionDirection(posX, frameWidth float64) types.CollisionDirection {
	third := frameWidth / 3
	switch {
	case posX < third:
		return types.DirectionLeft
	case posX > 2*third:
		return types.DirectionRight
	default:
		return types.DirectionAhead
	}
}

// buildAlert applies the alert-emission rule from spec.md §4.3: emit only
// when ttc < horizon and collision risk exceeds 0.2, with severity tiers
// critical/warning/notice.
func buildAlert(trackID int, className string, speedMPS, distanceM, ttc float64, direction types.CollisionDirection, horizon, collisionRisk float64) (types.CollisionAlert, bool) {
	if ttc >= horizon || collisionRisk <= collisionRiskThreshold {
		return types.CollisionAlert{}, false
	}

	var severity types.AlertSeverity
	switch {
	case ttc < 1 && distanceM < 2:
		severity = types.SeverityCritical
	case ttc < 2 && distanceM < 4:
		severity = types.SeverityWarning
	case ttc < 3:
		severity = types.SeverityNotice
	default:
		return types.CollisionAlert{}, false
	}

	dirPhrase := "approaching"
	switch direction {
	case types.DirectionLeft:
		dirPhrase = "approaching from the left"
	case types.DirectionRight:
		dirPhrase = "approaching from the right"
	case types.DirectionAhead:
		dirPhrase = "approaching ahead"
	}

	speedKMH := speedMPS * 3.6
	message := fmt.Sprintf(
		"Sir, %s %s at %.0f km/h — approximately %.1f meters away, potential collision in %.1f seconds.",
		className, dirPhrase, speedKMH, distanceM, ttc,
	)

	return types.CollisionAlert{
		TrackID:         trackID,
		ClassName:       className,
		Severity:        severity,
		TimeToCollision: ttc,
		DistanceM:       distanceM,
		Direction:       direction,
		Message:         message,
	}, true
}

// FormatSummary renders a compact natural-language summary of the current
// trajectories and alerts for injection into chat context.
func FormatSummary(trajectories []types.PredictedTrajectory, alerts []types.CollisionAlert, egoMotionType types.MotionType) string {
	if len(trajectories) == 0 && egoMotionType == "" {
		return ""
	}

	moving := 0
	for _, t := range trajectories {
		if t.Behavior != types.BehaviorStationary {
			moving++
		}
	}

	summary := fmt.Sprintf("%d object(s) tracked, %d in motion", len(trajectories), moving)
	if egoMotionType != "" {
		summary += fmt.Sprintf(", camera %s", egoMotionType)
	}
	for _, a := range alerts {
		summary += ". " + a.Message
	}
	return summary
}
