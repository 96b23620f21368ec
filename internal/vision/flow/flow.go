// Package flow implements the optical-flow estimator (C1): dense
// frame-to-frame flow at a downscaled resolution, plus a sparse set of
// keypoint correspondences suitable for feeding the ego-motion estimator.
package flow

import (
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/jarvis-core/perception/internal/vision/types"
)

// Method selects the dense optical-flow algorithm.
type Method int

const (
	// MethodFarneback is the fast dense method, preferred for the default
	// path (gocv.CalcOpticalFlowFarneback).
	MethodFarneback Method = iota
	// MethodPyrLK is the pyramidal Lucas-Kanade reference method, applied
	// densely over a regular grid of seed points.
	MethodPyrLK
)

const (
	defaultFullWidth     = 320
	defaultFullHeight    = 240
	defaultAmbientWidth  = 160
	defaultAmbientHeight = 120
	defaultMaxCorners    = 60
)

// Options configures an Estimator.
type Options struct {
	Width      int
	Height     int
	Method     Method
	MaxCorners int
}

// DefaultOptions returns the full-pipeline downscale target (320x240,
// Farneback, 60 sparse corners).
func DefaultOptions() Options {
	return Options{
		Width:      defaultFullWidth,
		Height:     defaultFullHeight,
		Method:     MethodFarneback,
		MaxCorners: defaultMaxCorners,
	}
}

// AmbientOptions returns the ambient-monitor downscale target (160x120).
func AmbientOptions() Options {
	o := DefaultOptions()
	o.Width = defaultAmbientWidth
	o.Height = defaultAmbientHeight
	return o
}

// Estimator computes dense and sparse optical flow between successive
// frames at a fixed downscaled resolution. Calls on one instance are
// serialized by an internal mutex.
type Estimator struct {
	mu sync.Mutex

	opts Options

	prevGray gocv.Mat
	hasPrev  bool
}

// NewEstimator builds an Estimator. Call Close when done.
func NewEstimator(opts Options) *Estimator {
	if opts.Width <= 0 {
		opts.Width = defaultFullWidth
	}
	if opts.Height <= 0 {
		opts.Height = defaultFullHeight
	}
	if opts.MaxCorners <= 0 {
		opts.MaxCorners = defaultMaxCorners
	}
	return &Estimator{
		opts:     opts,
		prevGray: gocv.NewMat(),
	}
}

// Close releases OpenCV resources held by the estimator.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prevGray.Close()
}

// Reset clears stored previous-frame state. The next Compute call returns a
// FlowResult with Flow == nil, matching the documented warmup contract.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasPrev = false
}

// Compute downscales frame to the estimator's target resolution, computes
// dense flow against the previous frame (if any), and extracts sparse
// keypoint correspondences. The first call after construction or Reset
// returns a FlowResult with Flow == nil and does not error.
func (e *Estimator) Compute(frame gocv.Mat) (*types.FlowResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame.Empty() {
		return nil, fmt.Errorf("flow: empty frame")
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, image.Pt(e.opts.Width, e.opts.Height), 0, 0, gocv.InterpolationLinear)

	gray := gocv.NewMat()
	defer gray.Close()
	if resized.Channels() > 1 {
		gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
	} else {
		resized.CopyTo(&gray)
	}

	if !e.hasPrev {
		gray.CopyTo(&e.prevGray)
		e.hasPrev = true
		return &types.FlowResult{Width: e.opts.Width, Height: e.opts.Height, Flow: nil}, nil
	}

	result := &types.FlowResult{Width: e.opts.Width, Height: e.opts.Height}

	switch e.opts.Method {
	case MethodPyrLK:
		if err := e.computeSparseDense(gray, result); err != nil {
			return nil, err
		}
	default:
		if err := e.computeFarneback(gray, result); err != nil {
			return nil, err
		}
	}

	if err := e.computeSparsePoints(gray, result); err != nil {
		return nil, err
	}

	gray.CopyTo(&e.prevGray)
	return result, nil
}

func (e *Estimator) computeFarneback(gray gocv.Mat, result *types.FlowResult) error {
	flowMat := gocv.NewMat()
	defer flowMat.Close()

	gocv.CalcOpticalFlowFarneback(e.prevGray, gray, &flowMat, 0.5, 3, 15, 3, 5, 1.2, 0)

	w, h := e.opts.Width, e.opts.Height
	flow := make([][2]float32, w*h)
	var sumMag float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := flowMat.GetVecfAt(y, x)
			flow[y*w+x] = [2]float32{v[0], v[1]}
			sumMag += hypot32(v[0], v[1])
		}
	}
	result.Flow = flow
	if w*h > 0 {
		result.MeanMagnitude = sumMag / float64(w*h)
	}
	return nil
}

// computeSparseDense approximates a dense field using pyramidal
// Lucas-Kanade over a regular grid, the reference method.
func (e *Estimator) computeSparseDense(gray gocv.Mat, result *types.FlowResult) error {
	w, h := e.opts.Width, e.opts.Height
	const step = 8

	var seeds []gocv.Point2f
	for y := step / 2; y < h; y += step {
		for x := step / 2; x < w; x += step {
			seeds = append(seeds, gocv.Point2f{X: float32(x), Y: float32(y)})
		}
	}
	if len(seeds) == 0 {
		result.Flow = make([][2]float32, w*h)
		return nil
	}

	prevPts := gocv.NewPoint2fVectorFromPoints(seeds)
	defer prevPts.Close()

	nextPts := gocv.NewPoint2fVector()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errOut := gocv.NewMat()
	defer errOut.Close()

	gocv.CalcOpticalFlowPyrLK(e.prevGray, gray, prevPts, nextPts, &status, &errOut)

	flow := make([][2]float32, w*h)
	nextSlice := nextPts.ToPoints()
	var sumMag float64
	var n int
	for i, seed := range seeds {
		if i >= len(nextSlice) {
			break
		}
		if status.GetUCharAt(0, i) == 0 {
			continue
		}
		dx := nextSlice[i].X - seed.X
		dy := nextSlice[i].Y - seed.Y
		idx := int(seed.Y)*w + int(seed.X)
		if idx >= 0 && idx < len(flow) {
			flow[idx] = [2]float32{dx, dy}
		}
		sumMag += hypot32(dx, dy)
		n++
	}
	result.Flow = flow
	if n > 0 {
		result.MeanMagnitude = sumMag / float64(n)
	}
	return nil
}

// computeSparsePoints extracts corner features from the previous frame and
// tracks them into the current frame via pyramidal Lucas-Kanade, producing
// the correspondence arrays C2 consumes.
func (e *Estimator) computeSparsePoints(gray gocv.Mat, result *types.FlowResult) error {
	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(e.prevGray, &corners, e.opts.MaxCorners, 0.01, 7)

	if corners.Rows() == 0 {
		return nil
	}

	prevPts := matToPoint2fVector(corners)
	defer prevPts.Close()

	nextPts := gocv.NewPoint2fVector()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errOut := gocv.NewMat()
	defer errOut.Close()

	gocv.CalcOpticalFlowPyrLK(e.prevGray, gray, prevPts, nextPts, &status, &errOut)

	prevSlice := prevPts.ToPoints()
	nextSlice := nextPts.ToPoints()

	for i := range prevSlice {
		if i >= len(nextSlice) {
			break
		}
		if status.GetUCharAt(0, i) == 0 {
			continue
		}
		result.PrevPoints = append(result.PrevPoints, types.Point2D{X: float64(prevSlice[i].X), Y: float64(prevSlice[i].Y)})
		result.CurrPoints = append(result.CurrPoints, types.Point2D{X: float64(nextSlice[i].X), Y: float64(nextSlice[i].Y)})
	}
	return nil
}

func matToPoint2fVector(corners gocv.Mat) gocv.Point2fVector {
	pts := make([]gocv.Point2f, 0, corners.Rows())
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		pts = append(pts, gocv.Point2f{X: v[0], Y: v[1]})
	}
	return gocv.NewPoint2fVectorFromPoints(pts)
}

func hypot32(a, b float32) float64 {
	return math.Hypot(float64(a), float64(b))
}

// ComputeMotionEnergy returns the fraction of the flow field whose
// magnitude exceeds threshold, in [0, 1].
func ComputeMotionEnergy(result *types.FlowResult, threshold float64) float64 {
	if result == nil || len(result.Flow) == 0 {
		return 0
	}
	var count int
	for _, v := range result.Flow {
		if hypot32(v[0], v[1]) > threshold {
			count++
		}
	}
	return float64(count) / float64(len(result.Flow))
}
