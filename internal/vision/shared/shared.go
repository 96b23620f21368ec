// Package shared implements the process-wide hardware singletons (C7):
// lazily-initialized camera, inference engine, and face detector, whose
// ready flags are checked and set only while holding one init lock, so
// concurrent readers converge without deadlock and no caller ever observes
// a half-initialized resource.
package shared

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/jarvis-core/perception/internal/telemetry"
	"github.com/jarvis-core/perception/internal/vision/types"
)

var log = telemetry.Component("vision.shared")

const fourccMJPEG = 0x47504A4D

// CameraConfig mirrors the open parameters the teacher's OpenCVCamera
// accepted directly, now routed through the process-wide singleton.
type CameraConfig struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
	Mirror   bool
}

// Detector runs neural object detection against a frame. An absent engine
// (nil Detector) is a valid "missing capability" state per spec.md §7:
// callers receive an empty detection slice rather than an error.
type Detector interface {
	Run(frame gocv.Mat) ([]types.Detection, error)
	ClassNames() map[int]string
}

// FaceDetector runs face detection against a frame, used by the scene
// describer. Not thread-safe; Registry serializes access the same way it
// does for the inference engine.
type FaceDetector interface {
	DetectFaces(frame gocv.Mat) (count int, err error)
}

// Registry holds the three process-wide hardware singletons described in
// spec.md §4.7. The zero value is not usable; construct with NewRegistry.
type Registry struct {
	initMu sync.Mutex

	cameraReady bool
	camera      *gocv.VideoCapture
	cameraCfg   CameraConfig
	frameMu     sync.Mutex

	detectorReady bool
	detector      Detector
	detectorOpen  func() (Detector, error)
	inferenceMu   sync.Mutex

	faceReady bool
	face      FaceDetector
	faceOpen  func() (FaceDetector, error)
}

// NewRegistry builds a Registry. detectorOpen/faceOpen are deferred
// constructors for the external neural detector and face detector; either
// may be nil, in which case that capability is permanently absent.
func NewRegistry(cameraCfg CameraConfig, detectorOpen func() (Detector, error), faceOpen func() (FaceDetector, error)) *Registry {
	return &Registry{
		cameraCfg:    cameraCfg,
		detectorOpen: detectorOpen,
		faceOpen:     faceOpen,
	}
}

// Camera lazily opens the shared camera on first call. Subsequent callers
// observe the same handle. Returns an error if opening fails; the error is
// not cached, so a later call may retry.
func (r *Registry) Camera() (*gocv.VideoCapture, error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.cameraReady {
		return r.camera, nil
	}

	cam, err := gocv.OpenVideoCaptureWithAPI(r.cameraCfg.DeviceID, gocv.VideoCaptureV4L2)
	if err != nil {
		log.Warn().Err(err).Int("device_id", r.cameraCfg.DeviceID).Msg("camera open failed")
		return nil, fmt.Errorf("opening camera device %d: %w", r.cameraCfg.DeviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return nil, fmt.Errorf("camera device %d not found or unavailable", r.cameraCfg.DeviceID)
	}

	cam.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)
	if r.cameraCfg.Width > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(r.cameraCfg.Width))
	}
	if r.cameraCfg.Height > 0 {
		cam.Set(gocv.VideoCaptureFrameHeight, float64(r.cameraCfg.Height))
	}
	if r.cameraCfg.FPS > 0 {
		cam.Set(gocv.VideoCaptureFPS, float64(r.cameraCfg.FPS))
	}

	warmup := gocv.NewMat()
	cam.Read(&warmup)
	warmup.Close()

	r.camera = cam
	r.cameraReady = true
	return r.camera, nil
}

// ReadFrame serializes a single frame read behind frame_lock, the shared
// driver not being re-entrant. Applies mirror flip if configured.
func (r *Registry) ReadFrame() (gocv.Mat, error) {
	cam, err := r.Camera()
	if err != nil {
		return gocv.NewMat(), err
	}

	r.frameMu.Lock()
	defer r.frameMu.Unlock()

	mat := gocv.NewMat()
	if ok := cam.Read(&mat); !ok {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("reading frame from shared camera")
	}
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("shared camera returned empty frame")
	}
	if r.cameraCfg.Mirror {
		gocv.Flip(mat, &mat, 1)
	}
	return mat, nil
}

// ReleaseCamera closes the shared camera handle. Safe to call twice; the
// second call is a no-op.
func (r *Registry) ReleaseCamera() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if !r.cameraReady {
		return nil
	}
	err := r.camera.Close()
	r.cameraReady = false
	r.camera = nil
	return err
}

// ReconnectCamera releases and re-opens the shared camera.
func (r *Registry) ReconnectCamera() (*gocv.VideoCapture, error) {
	if err := r.ReleaseCamera(); err != nil {
		log.Warn().Err(err).Msg("error releasing camera during reconnect")
	}
	return r.Camera()
}

// inference lazily opens the detector engine on first call. Per spec.md
// §7, a permanently absent engine (detectorOpen == nil, or it errored once)
// yields a nil Detector from then on so callers degrade to empty results
// instead of erroring repeatedly.
func (r *Registry) inference() Detector {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.detectorReady {
		return r.detector
	}
	r.detectorReady = true
	if r.detectorOpen == nil {
		return nil
	}
	det, err := r.detectorOpen()
	if err != nil {
		log.Warn().Err(err).Msg("inference engine init failed; detector will report empty henceforth")
		return nil
	}
	r.detector = det
	return det
}

// RunInference runs the shared detector against frame, serialized behind
// inference_lock because a single GPU execution context is not
// thread-safe. Returns an empty slice, not an error, when no engine is
// available.
func (r *Registry) RunInference(frame gocv.Mat) []types.Detection {
	det := r.inference()
	if det == nil {
		return nil
	}

	r.inferenceMu.Lock()
	defer r.inferenceMu.Unlock()

	detections, err := det.Run(frame)
	if err != nil {
		log.Warn().Err(err).Msg("inference call failed")
		return nil
	}
	return detections
}

// ClassNames returns the shared detector's class-id-to-name map, or nil if
// no detector is available.
func (r *Registry) ClassNames() map[int]string {
	det := r.inference()
	if det == nil {
		return nil
	}
	return det.ClassNames()
}

// faceDetector lazily opens the shared face detector.
func (r *Registry) faceDetector() FaceDetector {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.faceReady {
		return r.face
	}
	r.faceReady = true
	if r.faceOpen == nil {
		return nil
	}
	fd, err := r.faceOpen()
	if err != nil {
		log.Warn().Err(err).Msg("face detector init failed; will report absent henceforth")
		return nil
	}
	r.face = fd
	return fd
}

// DetectFaces runs the shared face detector, treated as a single reader
// (not thread-safe), serialized behind the same inference_lock as the
// object detector since both represent exclusive GPU/CPU execution
// contexts on this device class.
func (r *Registry) DetectFaces(frame gocv.Mat) int {
	fd := r.faceDetector()
	if fd == nil {
		return 0
	}

	r.inferenceMu.Lock()
	defer r.inferenceMu.Unlock()

	count, err := fd.DetectFaces(frame)
	if err != nil {
		log.Warn().Err(err).Msg("face detection failed")
		return 0
	}
	return count
}

// DescribeScene grabs one frame, runs the shared detector and face
// detector, and renders a compact natural-language description. Returns
// the spec.md §7 sentinel string on any missing-capability condition.
func (r *Registry) DescribeScene() string {
	frame, err := r.ReadFrame()
	if err != nil {
		log.Warn().Err(err).Msg("scene description unavailable")
		return "Vision temporarily unavailable."
	}
	defer frame.Close()

	detections := r.RunInference(frame)
	faceCount := r.DetectFaces(frame)

	if len(detections) == 0 && faceCount == 0 {
		return "The scene appears empty."
	}

	names := r.ClassNames()
	counts := make(map[string]int)
	for _, d := range detections {
		name := d.ClassName
		if name == "" && names != nil {
			name = names[d.ClassID]
		}
		if name == "" {
			name = fmt.Sprintf("class_%d", d.ClassID)
		}
		counts[name]++
	}

	description := "I see"
	first := true
	for name, count := range counts {
		if !first {
			description += ","
		}
		first = false
		if count > 1 {
			description += fmt.Sprintf(" %d %ss", count, name)
		} else {
			description += fmt.Sprintf(" a %s", name)
		}
	}
	if faceCount > 0 {
		if !first {
			description += ", and"
		} else {
			description = "I see"
		}
		description += fmt.Sprintf(" %d face(s)", faceCount)
	}
	return description + "."
}
