// Package egomotion implements the ego-motion estimator (C2): given paired
// keypoint correspondences from the optical-flow estimator, decomposes the
// background flow into camera motion and classifies it.
package egomotion

import (
	"math"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/jarvis-core/perception/internal/vision/types"
)

const (
	defaultMinPoints       = 15
	defaultMotionThreshold = 1.5
	defaultCacheMaxFrames  = 3
	defaultHFOVDeg         = 60.0

	ransacReprojThreshold = 2.0
	ransacConfidence      = 0.99
)

// Options configures an Estimator.
type Options struct {
	MinPoints       int
	MotionThreshold float64
	CacheMaxFrames  int
	SkipRotation    bool
	HFOVDeg         float64
}

// DefaultOptions returns the specification's default thresholds.
func DefaultOptions() Options {
	return Options{
		MinPoints:       defaultMinPoints,
		MotionThreshold: defaultMotionThreshold,
		CacheMaxFrames:  defaultCacheMaxFrames,
		SkipRotation:    false,
		HFOVDeg:         defaultHFOVDeg,
	}
}

type cacheEntry struct {
	result  types.EgoMotion
	meanMag float64
	ttl     int
}

// Estimator computes EgoMotion from paired keypoint correspondences. Calls
// on one instance are serialized by an internal mutex.
type Estimator struct {
	mu    sync.Mutex
	opts  Options
	cache *cacheEntry
}

// NewEstimator builds an Estimator.
func NewEstimator(opts Options) *Estimator {
	if opts.MinPoints <= 0 {
		opts.MinPoints = defaultMinPoints
	}
	if opts.MotionThreshold <= 0 {
		opts.MotionThreshold = defaultMotionThreshold
	}
	if opts.CacheMaxFrames <= 0 {
		opts.CacheMaxFrames = defaultCacheMaxFrames
	}
	if opts.HFOVDeg <= 0 {
		opts.HFOVDeg = defaultHFOVDeg
	}
	return &Estimator{opts: opts}
}

// Reset clears the cached result so the next Estimate call reports fresh
// state.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = nil
}

// Estimate decomposes the flow between prevPoints and currPoints (paired by
// index) into ego-motion, given the frame size used to build the camera
// intrinsics approximation.
func (e *Estimator) Estimate(prevPoints, currPoints []types.Point2D, frameWidth, frameHeight int) types.EgoMotion {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := min(len(prevPoints), len(currPoints))
	if n < e.opts.MinPoints {
		return types.EgoMotion{MotionType: types.MotionStatic, InlierRatio: 1, NumPoints: n}
	}

	dxs := make([]float64, n)
	dys := make([]float64, n)
	mags := make([]float64, n)
	for i := 0; i < n; i++ {
		dx := currPoints[i].X - prevPoints[i].X
		dy := currPoints[i].Y - prevPoints[i].Y
		dxs[i], dys[i] = dx, dy
		mags[i] = math.Hypot(dx, dy)
	}
	meanMag := mean(mags)

	if e.cache != nil {
		sameSide := (meanMag >= e.opts.MotionThreshold) == (e.cache.meanMag >= e.opts.MotionThreshold)
		if sameSide {
			cached := e.cache.result
			e.cache.ttl--
			if e.cache.ttl <= 0 {
				e.cache = nil
			}
			return cached
		}
	}

	if meanMag < e.opts.MotionThreshold {
		result := types.EgoMotion{
			MotionType:  types.MotionStatic,
			InlierRatio: 1,
			NumPoints:   n,
		}
		e.storeInCache(result, meanMag)
		return result
	}

	inlierMask, degenerate := ransacFundamentalInliers(prevPoints[:n], currPoints[:n])

	var egoDX, egoDY float64
	var numInliers int
	if degenerate {
		egoDX, egoDY = median(dxs), median(dys)
		numInliers = 0
	} else {
		var inDX, inDY []float64
		for i, ok := range inlierMask {
			if ok {
				inDX = append(inDX, dxs[i])
				inDY = append(inDY, dys[i])
			}
		}
		numInliers = len(inDX)
		if numInliers < 4 {
			egoDX, egoDY = median(dxs), median(dys)
		} else {
			egoDX, egoDY = median(inDX), median(inDY)
		}
	}

	result := types.EgoMotion{
		EgoDX:       egoDX,
		EgoDY:       egoDY,
		IsMoving:    true,
		InlierRatio: float64(numInliers) / float64(n),
		NumInliers:  numInliers,
		NumPoints:   n,
	}

	if !e.opts.SkipRotation && !degenerate {
		yaw, pitch, roll, dir, ok := recoverRotation(prevPoints[:n], currPoints[:n], inlierMask, frameWidth, frameHeight, e.opts.HFOVDeg)
		if ok {
			result.Yaw, result.Pitch, result.Roll = yaw, pitch, roll
			result.HasRotation = true
			result.TranslationDir = dir
			result.HasTranslationDir = true
		}
	}

	result.MotionType = classifyMotion(egoDX, egoDY, meanMag, e.opts.MotionThreshold)
	result.IsMoving = result.MotionType != types.MotionStatic

	if !result.IsMoving {
		e.storeInCache(result, meanMag)
	}

	return result
}

func (e *Estimator) storeInCache(result types.EgoMotion, meanMag float64) {
	e.cache = &cacheEntry{result: result, meanMag: meanMag, ttl: e.opts.CacheMaxFrames}
}

// classifyMotion implements the priority-ordered classification from the
// specification: below the motion threshold is static; panning/tilting
// dominate when one axis of flow strongly exceeds the other; fast flow is
// walking; otherwise moving.
func classifyMotion(dx, dy, meanMag, motionThreshold float64) types.MotionType {
	egoMag := math.Hypot(dx, dy)
	if egoMag < motionThreshold {
		return types.MotionStatic
	}
	absDX, absDY := math.Abs(dx), math.Abs(dy)
	switch {
	case absDX > 2*absDY:
		return types.MotionPanning
	case absDY > 2*absDX:
		return types.MotionTilting
	case meanMag > 5:
		return types.MotionWalking
	default:
		return types.MotionMoving
	}
}

// CompensateEgoMotion subtracts (ego.EgoDX, ego.EgoDY) from each non-nil
// flow vector. Returns an identical copy (no mutation of the input) when
// ego is near-zero.
func CompensateEgoMotion(flows []*types.Point2D, ego types.EgoMotion) []*types.Point2D {
	out := make([]*types.Point2D, len(flows))
	if math.Hypot(ego.EgoDX, ego.EgoDY) < 1e-9 {
		for i, f := range flows {
			if f == nil {
				continue
			}
			v := *f
			out[i] = &v
		}
		return out
	}
	for i, f := range flows {
		if f == nil {
			continue
		}
		out[i] = &types.Point2D{X: f.X - ego.EgoDX, Y: f.Y - ego.EgoDY}
	}
	return out
}

// FlowToVelocityMPS converts a flow vector and a pseudo-metric relative
// depth into a metric velocity using a pinhole projection. Returns false
// when depthRel is at or below 0.01.
func FlowToVelocityMPS(dx, dy, depthRel, fps, frameWidth, hfovDeg float64) (vx, vy, speed float64, ok bool) {
	if depthRel <= 0.01 {
		return 0, 0, 0, false
	}
	depthM := depthRel * 10
	focalPx := (frameWidth / 2) / math.Tan(hfovDeg/2*math.Pi/180)

	vxMPS := (dx * depthM / focalPx) * fps
	vyMPS := (dy * depthM / focalPx) * fps
	return vxMPS, vyMPS, math.Hypot(vxMPS, vyMPS), true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ransacFundamentalInliers runs RANSAC fundamental-matrix estimation via
// gocv and returns gocv's own per-point inlier mask (the Nx1 CV_8U output
// parameter OpenCV fills in alongside the fundamental matrix itself).
// degenerate is true when gocv could not produce a usable fit (e.g. all
// points collinear), in which case the caller should fall back to median
// flow.
func ransacFundamentalInliers(prev, curr []types.Point2D) (mask []bool, degenerate bool) {
	n := len(prev)
	prevPts := make([]gocv.Point2f, n)
	currPts := make([]gocv.Point2f, n)
	for i := range prev {
		prevPts[i] = gocv.Point2f{X: float32(prev[i].X), Y: float32(prev[i].Y)}
		currPts[i] = gocv.Point2f{X: float32(curr[i].X), Y: float32(curr[i].Y)}
	}
	prevVec := gocv.NewPoint2fVectorFromPoints(prevPts)
	defer prevVec.Close()
	currVec := gocv.NewPoint2fVectorFromPoints(currPts)
	defer currVec.Close()

	inlierMat := gocv.NewMat()
	defer inlierMat.Close()

	mat := gocv.FindFundamentalMat(prevVec, currVec, gocv.FmRansac, ransacReprojThreshold, ransacConfidence, &inlierMat)
	defer mat.Close()

	if mat.Empty() || inlierMat.Empty() || inlierMat.Rows() != n {
		return nil, true
	}

	mask = make([]bool, n)
	for i := 0; i < n; i++ {
		mask[i] = inlierMat.GetUCharAt(i, 0) != 0
	}
	return mask, false
}

// recoverRotation decomposes the essential matrix (computed from the
// fundamental matrix and an approximate pinhole intrinsic) into Euler
// angles and a translation direction.
func recoverRotation(prev, curr []types.Point2D, inliers []bool, frameWidth, frameHeight int, hfovDeg float64) (yaw, pitch, roll float64, dir [3]float64, ok bool) {
	if frameWidth <= 0 {
		return 0, 0, 0, dir, false
	}
	focalPx := (float64(frameWidth) / 2) / math.Tan(hfovDeg/2*math.Pi/180)
	cx, cy := float64(frameWidth)/2, float64(frameHeight)/2

	var prevVec, currVec []gocv.Point2f
	for i := range prev {
		if i < len(inliers) && !inliers[i] {
			continue
		}
		prevVec = append(prevVec, gocv.Point2f{X: float32(prev[i].X), Y: float32(prev[i].Y)})
		currVec = append(currVec, gocv.Point2f{X: float32(curr[i].X), Y: float32(curr[i].Y)})
	}
	if len(prevVec) < 5 {
		return 0, 0, 0, dir, false
	}

	prevPts := gocv.NewPoint2fVectorFromPoints(prevVec)
	defer prevPts.Close()
	currPts := gocv.NewPoint2fVectorFromPoints(currVec)
	defer currPts.Close()

	essential := gocv.FindEssentialMat(prevPts, currPts, focalPx, gocv.Point2f{X: float32(cx), Y: float32(cy)}, gocv.FmRansac, ransacConfidence, ransacReprojThreshold, nil)
	defer essential.Close()
	if essential.Empty() {
		return 0, 0, 0, dir, false
	}

	R := gocv.NewMat()
	defer R.Close()
	t := gocv.NewMat()
	defer t.Close()

	gocv.RecoverPose(essential, prevPts, currPts, &R, &t, focalPx, gocv.Point2f{X: float32(cx), Y: float32(cy)}, gocv.NewMat())

	if R.Rows() != 3 || R.Cols() != 3 {
		return 0, 0, 0, dir, false
	}

	r00 := R.GetDoubleAt(0, 0)
	r10 := R.GetDoubleAt(1, 0)
	r20 := R.GetDoubleAt(2, 0)
	r21 := R.GetDoubleAt(2, 1)
	r22 := R.GetDoubleAt(2, 2)

	pitch = math.Atan2(-r20, math.Sqrt(r00*r00+r10*r10)) * 180 / math.Pi
	yaw = math.Atan2(r10, r00) * 180 / math.Pi
	roll = math.Atan2(r21, r22) * 180 / math.Pi

	if t.Rows() == 3 {
		dir = [3]float64{t.GetDoubleAt(0, 0), t.GetDoubleAt(1, 0), t.GetDoubleAt(2, 0)}
	}
	return yaw, pitch, roll, dir, true
}
