// Package tracker implements simple IoU-association multi-object
// tracking, turning per-frame Detections into stable TrackedObjects with
// velocity and lifecycle accounting.
package tracker

import (
	"sync"
	"time"

	"github.com/jarvis-core/perception/internal/vision/types"
)

const (
	defaultIoUThreshold  = 0.3
	defaultMaxUnmatched  = 10
)

// Options configures a Tracker.
type Options struct {
	// IoUThreshold is the minimum intersection-over-union for a detection
	// to be matched to an existing track.
	IoUThreshold float64
	// MaxUnmatched is the number of consecutive unmatched frames after
	// which a track is retired.
	MaxUnmatched int
}

// DefaultOptions returns reasonable IoU-association defaults.
func DefaultOptions() Options {
	return Options{IoUThreshold: defaultIoUThreshold, MaxUnmatched: defaultMaxUnmatched}
}

// Tracker maintains a set of TrackedObjects across successive detection
// frames. Calls on one instance are serialized by an internal mutex.
type Tracker struct {
	mu       sync.Mutex
	opts     Options
	tracks   map[int]*types.TrackedObject
	nextID   int
}

// New builds a Tracker.
func New(opts Options) *Tracker {
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = defaultIoUThreshold
	}
	if opts.MaxUnmatched <= 0 {
		opts.MaxUnmatched = defaultMaxUnmatched
	}
	return &Tracker{
		opts:   opts,
		tracks: make(map[int]*types.TrackedObject),
		nextID: 1,
	}
}

// Reset discards all tracks.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int]*types.TrackedObject)
}

// Update associates detections with existing tracks by greedy highest-IoU
// matching, creates new tracks for unmatched detections, ages and retires
// tracks that went unmatched, and returns the current live track set.
func (t *Tracker) Update(detections []types.Detection, at time.Time) []types.TrackedObject {
	t.mu.Lock()
	defer t.mu.Unlock()

	matchedTrack := make(map[int]bool, len(t.tracks))
	matchedDet := make(map[int]bool, len(detections))

	var candidates []matchCandidate
	for id, tr := range t.tracks {
		for di, d := range detections {
			iou := intersectionOverUnion(tr.X1, tr.Y1, tr.X2, tr.Y2, d.X1, d.Y1, d.X2, d.Y2)
			if iou >= t.opts.IoUThreshold {
				candidates = append(candidates, matchCandidate{trackID: id, detIdx: di, iou: iou})
			}
		}
	}
	sortPairsByIoUDesc(candidates)

	for _, c := range candidates {
		if matchedTrack[c.trackID] || matchedDet[c.detIdx] {
			continue
		}
		matchedTrack[c.trackID] = true
		matchedDet[c.detIdx] = true

		tr := t.tracks[c.trackID]
		d := detections[c.detIdx]
		newCX, newCY := (d.X1+d.X2)/2, (d.Y1+d.Y2)/2
		oldCX, oldCY := (tr.X1+tr.X2)/2, (tr.Y1+tr.Y2)/2
		dt := at.Sub(tr.LastSeenTime).Seconds()
		if dt > 0 {
			tr.VX = (newCX - oldCX) / dt
			tr.VY = (newCY - oldCY) / dt
		}
		tr.X1, tr.Y1, tr.X2, tr.Y2 = d.X1, d.Y1, d.X2, d.Y2
		tr.ClassID = d.ClassID
		tr.ClassName = d.ClassName
		tr.FramesSeen++
		tr.AgeSinceLastMatch = 0
		tr.LastSeenTime = at
	}

	for di, d := range detections {
		if matchedDet[di] {
			continue
		}
		id := t.nextID
		t.nextID++
		t.tracks[id] = &types.TrackedObject{
			TrackID:       id,
			X1:            d.X1,
			Y1:            d.Y1,
			X2:            d.X2,
			Y2:            d.Y2,
			ClassID:       d.ClassID,
			ClassName:     d.ClassName,
			FramesSeen:    1,
			LastSeenTime:  at,
		}
	}

	var live []types.TrackedObject
	for id, tr := range t.tracks {
		if !matchedTrack[id] {
			tr.AgeSinceLastMatch++
			if tr.AgeSinceLastMatch > t.opts.MaxUnmatched {
				delete(t.tracks, id)
				continue
			}
		}
		live = append(live, *tr)
	}
	return live
}

type matchCandidate struct {
	trackID int
	detIdx  int
	iou     float64
}

func sortPairsByIoUDesc(pairs []matchCandidate) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j-1].iou < pairs[j].iou; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
}

func intersectionOverUnion(ax1, ay1, ax2, ay2, bx1, by1, bx2, by2 float64) float64 {
	ix1, iy1 := max(ax1, bx1), max(ay1, by1)
	ix2, iy2 := min(ax2, bx2), min(ay2, by2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	intersection := iw * ih

	areaA := (ax2 - ax1) * (ay2 - ay1)
	areaB := (bx2 - bx1) * (by2 - by1)
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
