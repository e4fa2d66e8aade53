// Package tracking implements the per-frame pose-estimation thread: the
// state machine that takes a pushed image through initialization into
// steady-state tracking, decides when to promote a frame to a KeyFrame, and
// coordinates LocalMapping and Relocalization.
package tracking

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/localmapping"
	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

// State is one of the four states of the tracking state machine.
type State int

// The four tracking states.
const (
	StateNoImagesYet State = iota
	StateNotInitialized
	StateInitializing
	StateWorking
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateNoImagesYet:
		return "NO_IMAGES_YET"
	case StateNotInitialized:
		return "NOT_INITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateWorking:
		return "WORKING"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the thresholds Tracking applies; field names match the
// pipeline stage they govern.
type Config struct {
	// MaxFrames and MinFrames are mMaxFrames/mMinFrames from the keyframe
	// insertion policy.
	MaxFrames int
	MinFrames int

	UseMotionModel bool
	// MotionModelMinKeyFrames is the minimum current-Map KeyFrame count
	// required to trust the motion model (4).
	MotionModelMinKeyFrames int
	// MotionModelMinFramesSinceReloc is how many frames must have passed
	// since the last relocalization before the motion model is trusted (2).
	MotionModelMinFramesSinceReloc int
	// MotionModelSearchRadius is the projection search radius, in pixels,
	// used when predicting by the motion model (15).
	MotionModelSearchRadius float64

	// WindowSearchRadiusCoarse/Fine are the two radii tried, in order, when
	// the motion model isn't used (200, then 100).
	WindowSearchRadiusCoarse float64
	WindowSearchRadiusFine   float64
	// WindowSearchMinMatches is the match count below which the coarse
	// radius falls back to the fine radius, and below which the fine radius
	// declares tracking failure (10).
	WindowSearchMinMatches int

	// LocalMapInliersAfterReloc/Normal are the local-map inlier thresholds
	// applied after the local-map tracking pass (50 if a relocalization
	// happened within MaxFrames frames, else 30).
	LocalMapInliersAfterReloc int
	LocalMapInliersNormal     int

	// KeyframeInlierRatio and KeyframeMinInliers gate keyframe insertion:
	// insert only when matched inliers are below KeyframeInlierRatio of the
	// reference KeyFrame's tracked landmarks and above KeyframeMinInliers.
	KeyframeInlierRatio float64
	KeyframeMinInliers  int

	// LocalKeyFrameTopNNeighbors and LocalKeyFrameCap bound local map
	// assembly: up to one neighbor per voting KeyFrame from its top-N
	// covisibles, capped at LocalKeyFrameCap KeyFrames total.
	LocalKeyFrameTopNNeighbors int
	LocalKeyFrameCap           int

	// InitMinKeypoints/InitMinMatches/InitMinTrackedLandmarks are the
	// two-view initialization thresholds: 100 each.
	InitMinKeypoints         int
	InitMinMatches           int
	InitMinTrackedLandmarks  int

	// Chi2Threshold is the outlier-rejection threshold for a single
	// reprojection residual (chi-square, 2 DoF, 95% confidence).
	Chi2Threshold float64
	// DescriptorMatchThreshold is the maximum Hamming distance, out of 256
	// bits, accepted for an ORB descriptor correspondence.
	DescriptorMatchThreshold int

	IdlePollInterval time.Duration
}

// DefaultConfig returns the package's default thresholds. maxFrames is
// Settings.MaxFrames() (round(18*fps/30)), computed by the caller since it
// depends on the configured camera frame rate.
func DefaultConfig(maxFrames int) Config {
	return Config{
		MaxFrames:                      maxFrames,
		MinFrames:                      0,
		UseMotionModel:                 true,
		MotionModelMinKeyFrames:        4,
		MotionModelMinFramesSinceReloc: 2,
		MotionModelSearchRadius:        15,
		WindowSearchRadiusCoarse:       200,
		WindowSearchRadiusFine:         100,
		WindowSearchMinMatches:         10,
		LocalMapInliersAfterReloc:      50,
		LocalMapInliersNormal:          30,
		KeyframeInlierRatio:            0.9,
		KeyframeMinInliers:             15,
		LocalKeyFrameTopNNeighbors:     10,
		LocalKeyFrameCap:               80,
		InitMinKeypoints:               100,
		InitMinMatches:                 100,
		InitMinTrackedLandmarks:        100,
		Chi2Threshold:                  5.991,
		DescriptorMatchThreshold:       50,
		IdlePollInterval:               5 * time.Millisecond,
	}
}

// Relocalizer is implemented by the relocalization worker. Tracking invokes
// it when it loses tracking and needs a new pose; it reports success
// asynchronously via the TrackingSink interface relocalization defines
// (implemented by Tracking below), keeping the two packages free of an
// import cycle.
type Relocalizer interface {
	// RequestGlobal starts (or keeps running) a global relocalization
	// attempt: every non-erased Map's KeyFrameDatabase is searched.
	RequestGlobal(frame *mapmodel.Frame)
}

// TrackingSink is the callback boundary Relocalization uses to commit a
// successful pose recovery back into Tracking, implemented by Tracking
// itself and handed to Relocalization at construction time (by the
// top-level coordinator, not by Tracking, avoiding the import cycle
// Relocalizer's own doc comment describes).
type TrackingSink interface {
	// CommitRelocalization reports a successful pose recovery: mapID/
	// keyFrameID identify the candidate KeyFrame relocalization matched
	// against, pose is the recovered Tcw, and frame is the Frame it was
	// recovered for (the same *mapmodel.Frame passed to RequestGlobal).
	CommitRelocalization(mapID, keyFrameID uint64, pose spatialmath.Pose, frame *mapmodel.Frame)
}

type pushedImage struct {
	img       *image.Gray
	timestamp float64
}

// Tracking is the worker that turns each pushed image into a camera pose:
// it extracts features, initializes a map from a two-view baseline, and
// then tracks frame-to-frame against the local map, falling back to
// Relocalization on loss.
type Tracking struct {
	logger     logging.Logger
	db         *mapmodel.MapDatabase
	voc        vocabulary.Vocabulary
	extractor  orbfeature.Extractor
	matcher    orbfeature.Matcher
	twoView    nsolver.TwoViewSolver
	ba         nsolver.BundleAdjuster
	localMapping *localmapping.LocalMapping
	cfg        Config
	model      *camera.Model

	relocMu sync.RWMutex
	reloc   Relocalizer

	incoming chan pushedImage

	frameIDCounter uint64

	mu sync.Mutex

	state       State
	relocalizing bool

	mapID uint64

	referenceFrame *mapmodel.Frame // candidate reference frame while INITIALIZING

	lastFrame    *mapmodel.Frame
	currentFrame *mapmodel.Frame

	referenceKeyFrameID          uint64
	referenceKeyFrameTrackedCount int

	velocity    spatialmath.Pose
	hasVelocity bool

	framesSinceKeyFrame int
	framesSinceReloc    int
	everRelocalized     bool
}

// New returns a Tracking worker. matcher/extractor/voc are the orbfeature
// and vocabulary collaborators; twoView and ba are the nsolver collaborators
// it drives two-view initialization and per-frame pose optimization
// through.
func New(
	logger logging.Logger,
	db *mapmodel.MapDatabase,
	voc vocabulary.Vocabulary,
	extractor orbfeature.Extractor,
	matcher orbfeature.Matcher,
	twoView nsolver.TwoViewSolver,
	ba nsolver.BundleAdjuster,
	localMapping *localmapping.LocalMapping,
	model *camera.Model,
	cfg Config,
) *Tracking {
	return &Tracking{
		logger:       logger,
		db:           db,
		voc:          voc,
		extractor:    extractor,
		matcher:      matcher,
		twoView:      twoView,
		ba:           ba,
		localMapping: localMapping,
		model:        model,
		cfg:          cfg,
		incoming:     make(chan pushedImage, 1),
		state:        StateNoImagesYet,
	}
}

// SetRelocalizer wires in the Relocalization worker. Done as a post-
// construction setter, since Relocalization's own constructor in turn takes
// a TrackingSink that only Tracking itself can supply.
func (t *Tracking) SetRelocalizer(r Relocalizer) {
	t.relocMu.Lock()
	defer t.relocMu.Unlock()
	t.reloc = r
}

func (t *Tracking) relocalizer() Relocalizer {
	t.relocMu.RLock()
	defer t.relocMu.RUnlock()
	return t.reloc
}

// State reports the current state-machine state.
func (t *Tracking) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Push delivers a (grayscale image, timestamp) pair. It blocks until the
// previous pushed image has been consumed: exactly one frame may be in
// flight, and it is caller policy (not this method's) whether to drop
// frames rather than block.
func (t *Tracking) Push(img *image.Gray, timestamp float64) {
	t.incoming <- pushedImage{img: img, timestamp: timestamp}
}

// Run is the worker loop, started via utils.StoppableWorkers.
func (t *Tracking) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pushed := <-t.incoming:
			t.processImage(ctx, pushed.img, pushed.timestamp)
		}
	}
}

func (t *Tracking) nextFrameID() uint64 {
	return atomic.AddUint64(&t.frameIDCounter, 1)
}

// processImage extracts features from img and advances the state machine by
// exactly one step, logging and discarding the frame on a malformed image,
// tracking failure, or initialization failure rather than propagating an
// error to the caller.
func (t *Tracking) processImage(ctx context.Context, img *image.Gray, timestamp float64) {
	frame, err := t.buildFrame(img, timestamp)
	if err != nil {
		t.logger.Debugf("skipping malformed image: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateNoImagesYet:
		t.state = StateNotInitialized
		fallthrough
	case StateNotInitialized:
		t.handleNotInitialized(frame)
	case StateInitializing:
		t.handleInitializing(frame)
	case StateWorking:
		t.handleWorking(ctx, frame)
	}
}

// buildFrame runs the extractor and assembles a Frame with undistorted
// keypoints. An extractor error, or a nil image, is the Image-malformed
// error kind: logged and skipped, state unchanged.
func (t *Tracking) buildFrame(img *image.Gray, timestamp float64) (*mapmodel.Frame, error) {
	if img == nil {
		return nil, errors.New("tracking: nil image")
	}
	keyPoints, descriptors, err := t.extractor.Extract(img)
	if err != nil {
		return nil, errors.Wrap(err, "tracking: feature extraction failed")
	}

	if t.model != nil && t.model.Distortion != nil {
		for i := range keyPoints {
			keyPoints[i].X, keyPoints[i].Y = t.model.UndistortPixel(keyPoints[i].X, keyPoints[i].Y)
		}
	}

	frame := mapmodel.NewFrame(t.nextFrameID(), timestamp, t.model.Intrinsics, t.model.Distortion)
	frame.KeyPoints = keyPoints
	frame.Descriptors = descriptors
	return frame, nil
}

// handleNotInitialized implements the NOT_INITIALIZED -> INITIALIZING
// transition: the first frame with more than InitMinKeypoints keypoints
// becomes the reference frame.
func (t *Tracking) handleNotInitialized(frame *mapmodel.Frame) {
	if t.relocalizing {
		if r := t.relocalizer(); r != nil {
			r.RequestGlobal(frame)
		}
		return
	}
	if len(frame.KeyPoints) <= t.cfg.InitMinKeypoints {
		return
	}
	t.referenceFrame = frame
	t.state = StateInitializing
}
