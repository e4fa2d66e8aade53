// Package mapmodel implements the shared map data model: Frame, KeyFrame,
// Landmark, Map, MapDatabase and KeyFrameDatabase. Entities live in
// per-Map arenas keyed by stable ids; cross-references are ids rather than
// pointers, and every entity carries a "bad" flag checked on dereference,
// per the arena/id/bad-flag strategy for avoiding reference cycles without
// refcounting.
package mapmodel

import (
	"sync"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

// Frame is a timestamped image with extracted features: Tracking's
// per-cycle unit of work, before (if ever) it's promoted to a KeyFrame.
type Frame struct {
	ID        uint64
	Timestamp float64

	KeyPoints   []orbfeature.KeyPoint
	Descriptors []orbfeature.Descriptor

	Intrinsics *camera.Intrinsics
	Distortion *camera.Distortion

	mu sync.RWMutex

	pose Pose

	// Landmarks[i] is the Landmark id observed at KeyPoints[i], or 0 if
	// none. Outliers[i] marks a keypoint excluded from pose optimization
	// after an outlier-rejection pass, independent of whether it still has
	// a Landmark association.
	Landmarks []uint64
	Outliers  []bool

	bow          vocabulary.BoW
	featureVec   vocabulary.FeatureVector
	bowComputed  bool
}

// Pose wraps the frame's current Tcw (world->camera) estimate. A struct
// with its own name, rather than a bare spatialmath.Pose field, documents
// the convention at every call site that reads or writes it.
type Pose struct {
	Tcw spatialmath.Pose
	set bool
}

// NewFrame allocates a Frame. The caller fills in KeyPoints/Descriptors
// from an orbfeature.Extractor before pushing it through Tracking.
func NewFrame(id uint64, timestamp float64, intrinsics *camera.Intrinsics, distortion *camera.Distortion) *Frame {
	return &Frame{ID: id, Timestamp: timestamp, Intrinsics: intrinsics, Distortion: distortion}
}

// SetPose sets the frame's current Tcw estimate.
func (f *Frame) SetPose(pose spatialmath.Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pose = Pose{Tcw: pose, set: true}
}

// GetPose returns the frame's current Tcw estimate and whether it has been
// set at all (false before the first successful track/initialization).
func (f *Frame) GetPose() (spatialmath.Pose, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pose.Tcw, f.pose.set
}

// SetLandmark associates keypoint index i with a Landmark id (0 clears the
// association).
func (f *Frame) SetLandmark(i int, landmarkID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureSlices()
	f.Landmarks[i] = landmarkID
}

// SetOutlier marks keypoint index i as an outlier or inlier.
func (f *Frame) SetOutlier(i int, outlier bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureSlices()
	f.Outliers[i] = outlier
}

// LandmarkAt returns the Landmark id associated with keypoint index i, or
// 0 if none.
func (f *Frame) LandmarkAt(i int) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i >= len(f.Landmarks) {
		return 0
	}
	return f.Landmarks[i]
}

// IsOutlier reports whether keypoint index i is currently marked an
// outlier.
func (f *Frame) IsOutlier(i int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i >= len(f.Outliers) {
		return false
	}
	return f.Outliers[i]
}

func (f *Frame) ensureSlices() {
	if f.Landmarks == nil {
		f.Landmarks = make([]uint64, len(f.KeyPoints))
	}
	if f.Outliers == nil {
		f.Outliers = make([]bool, len(f.KeyPoints))
	}
}

// ComputeBoW lazily computes and caches the frame's bag-of-words vector
// and feature vector. Idempotent: a second call against the same
// descriptor set returns the cached result without recomputing.
func (f *Frame) ComputeBoW(voc vocabulary.Vocabulary) (vocabulary.BoW, vocabulary.FeatureVector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bowComputed {
		f.bow, f.featureVec = voc.Transform(f.Descriptors)
		f.bowComputed = true
	}
	return f.bow, f.featureVec
}
