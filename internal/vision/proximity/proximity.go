// Package proximity implements the proximity alerter (C5): depth-gated,
// cooldown-throttled spoken-language closeness alerts.
package proximity

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jarvis-core/perception/internal/vision/types"
)

const (
	criticalDistanceM  = 0.5
	warningDistanceM   = 1.5
	noticeDistanceM    = 3.0
	defaultCooldownSec = 5.0
)

// Options configures an Alerter.
type Options struct {
	CooldownSec float64
	// SmoothingFactor, when > 0, runs each track's distance estimate
	// through a per-track Kalman filter before tiering, damping single-
	// frame depth noise. 0 disables smoothing (raw distance used as-is).
	SmoothingFactor float64
}

// DefaultOptions returns the specification's default cooldown, with
// distance smoothing disabled.
func DefaultOptions() Options {
	return Options{CooldownSec: defaultCooldownSec}
}

// Alerter tracks per-(level,class) cooldowns across calls. Calls on one
// instance are serialized by an internal mutex.
type Alerter struct {
	mu          sync.Mutex
	opts        Options
	lastAlertAt map[string]time.Time
	smoother    *distanceSmoother
}

// NewAlerter builds an Alerter.
func NewAlerter(opts Options) *Alerter {
	if opts.CooldownSec <= 0 {
		opts.CooldownSec = defaultCooldownSec
	}
	a := &Alerter{
		opts:        opts,
		lastAlertAt: make(map[string]time.Time),
	}
	if opts.SmoothingFactor > 0 {
		a.smoother = newDistanceSmoother(opts.SmoothingFactor)
	}
	return a
}

// Reset clears all retained cooldown and smoothing state.
func (a *Alerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAlertAt = make(map[string]time.Time)
	if a.smoother != nil {
		a.smoother.reset()
	}
}

// Check converts each tracked object's relative depth to pseudo-meters and
// emits a cooldown-throttled alert for any object inside a severity tier.
// Results are sorted by distance ascending.
func (a *Alerter) Check(tracks []types.TrackedObject) []types.ProximityAlert {
	a.mu.Lock()
	defer a.mu.Unlock()

	var alerts []types.ProximityAlert

	for _, track := range tracks {
		if track.Depth == nil {
			continue
		}
		distance := relativeToMeters(*track.Depth)
		if a.smoother != nil {
			distance = a.smoother.smooth(track.TrackID, distance)
		}

		level, ok := levelFor(distance, track.VY)
		if !ok {
			continue
		}

		key := fmt.Sprintf("%s_%s", level, track.ClassName)
		if last, seen := a.lastAlertAt[key]; seen && time.Since(last).Seconds() < a.opts.CooldownSec {
			continue
		}
		a.lastAlertAt[key] = time.Now()

		alerts = append(alerts, types.ProximityAlert{
			TrackID:   track.TrackID,
			ClassName: track.ClassName,
			Level:     level,
			DistanceM: distance,
			Message:   formatAlert(track.ClassName, level, distance),
		})
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].DistanceM < alerts[j].DistanceM })
	return alerts
}

// levelFor implements the three-tier distance rule from spec.md §4.5. The
// notice tier additionally requires an approaching velocity (vy < -5,
// i.e. moving up/toward the camera in image space).
func levelFor(distance, vy float64) (types.ProximityLevel, bool) {
	switch {
	case distance < criticalDistanceM:
		return types.ProximityCritical, true
	case distance < warningDistanceM:
		return types.ProximityWarning, true
	case distance < noticeDistanceM && vy < -5:
		return types.ProximityNotice, true
	default:
		return "", false
	}
}

// relativeToMeters converts a relative/disparity depth value into
// pseudo-metric meters using the two-regime rule from spec.md §4.5.
func relativeToMeters(raw float64) float64 {
	var meters float64
	if raw > 100 {
		d := raw
		if d < 1 {
			d = 1
		}
		meters = 500 / d
	} else {
		d := raw
		if d < 0.01 {
			d = 0.01
		}
		meters = 5 / d
	}
	if meters < 0.1 {
		meters = 0.1
	}
	if meters > 20 {
		meters = 20
	}
	return meters
}

func formatAlert(className string, level types.ProximityLevel, distance float64) string {
	return fmt.Sprintf("Sir, %s is %s — %.1f meters away.", className, level, distance)
}

// FormatSummary renders a concise text summary of proximity alerts for LLM
// context, capped at the 3 closest alerts and level-tagged like
// "[CRITICAL] Sir, person is critical — 0.3 meters away."
func FormatSummary(alerts []types.ProximityAlert) string {
	if len(alerts) == 0 {
		return ""
	}
	n := len(alerts)
	if n > 3 {
		n = 3
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("[%s] %s", strings.ToUpper(string(alerts[i].Level)), alerts[i].Message)
	}
	return strings.Join(parts, " ")
}
