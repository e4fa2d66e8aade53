package mapmodel

import (
	"sort"
	"sync"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

// KeyFrame is a promoted Frame retained in a Map. Its own mutex guards
// pose, observations, covisibility edges, spanning-tree links and the bad
// flag, per the per-instance locking discipline; MapID and KeyFrameDatabase
// membership are set once at construction and never mutated.
type KeyFrame struct {
	ID    uint64
	MapID uint64

	Timestamp   float64
	KeyPoints   []orbfeature.KeyPoint
	Descriptors []orbfeature.Descriptor
	Intrinsics  *camera.Intrinsics
	Distortion  *camera.Distortion
	BoW         vocabulary.BoW
	FeatureVec  vocabulary.FeatureVector

	mu sync.RWMutex

	pose spatialmath.Pose

	// observations[i] is the Landmark id observed at KeyPoints[i], or 0.
	observations []uint64

	// covisibility[otherID] is the number of Landmarks this KeyFrame
	// shares with KeyFrame otherID. UpdateConnections rewrites only this
	// KeyFrame's side; the weight matches from both sides once both
	// KeyFrames have recomputed.
	covisibility map[uint64]int
	// orderedCovisibles is covisibility's keys sorted by descending
	// weight, recomputed by UpdateConnections; GetBestCovisibles reads it
	// without resorting on every call.
	orderedCovisibles []uint64

	parent      uint64
	hasParent   bool
	children    map[uint64]bool
	loopEdges   map[uint64]bool

	bad bool
}

// NewKeyFrame promotes a Frame into a KeyFrame belonging to mapID.
func NewKeyFrame(id, mapID uint64, f *Frame, voc vocabulary.Vocabulary) *KeyFrame {
	pose, _ := f.GetPose()
	bow, fv := f.ComputeBoW(voc)

	observations := make([]uint64, len(f.KeyPoints))
	f.mu.RLock()
	copy(observations, f.Landmarks)
	f.mu.RUnlock()

	return &KeyFrame{
		ID:           id,
		MapID:        mapID,
		Timestamp:    f.Timestamp,
		KeyPoints:    f.KeyPoints,
		Descriptors:  f.Descriptors,
		Intrinsics:   f.Intrinsics,
		Distortion:   f.Distortion,
		BoW:          bow,
		FeatureVec:   fv,
		pose:         pose,
		observations: observations,
		covisibility: map[uint64]int{},
		children:     map[uint64]bool{},
		loopEdges:    map[uint64]bool{},
	}
}

// Pose returns Tcw.
func (kf *KeyFrame) Pose() spatialmath.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.pose
}

// SetPose updates Tcw, e.g. after pose-graph or bundle-adjustment
// optimization.
func (kf *KeyFrame) SetPose(pose spatialmath.Pose) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.pose = pose
}

// LandmarkAt returns the Landmark id observed at keypoint index i, or 0.
func (kf *KeyFrame) LandmarkAt(i int) uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	if i < 0 || i >= len(kf.observations) {
		return 0
	}
	return kf.observations[i]
}

// SetLandmarkAt sets the Landmark id observed at keypoint index i (0 to
// clear).
func (kf *KeyFrame) SetLandmarkAt(i int, landmarkID uint64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if i < 0 || i >= len(kf.observations) {
		return
	}
	kf.observations[i] = landmarkID
}

// Observations returns a copy of the keypoint-index -> Landmark-id slice.
func (kf *KeyFrame) Observations() []uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]uint64, len(kf.observations))
	copy(out, kf.observations)
	return out
}

// UpdateConnections recomputes this KeyFrame's covisibility edges from its
// current observations, given a lookup from Landmark id to the set of
// KeyFrame ids that currently observe it. The caller (Map, which owns the
// Landmark set) supplies that lookup so this method doesn't need to
// acquire Landmark locks itself, preserving the MapDatabase -> Map ->
// KeyFrame lock order.
func (kf *KeyFrame) UpdateConnections(observersOf func(landmarkID uint64) map[uint64]int, minWeight int) {
	counts := map[uint64]int{}
	for _, landmarkID := range kf.Observations() {
		if landmarkID == 0 {
			continue
		}
		for otherID := range observersOf(landmarkID) {
			if otherID == kf.ID {
				continue
			}
			counts[otherID]++
		}
	}

	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.covisibility = map[uint64]int{}
	for id, weight := range counts {
		if weight >= minWeight {
			kf.covisibility[id] = weight
		}
	}
	kf.orderedCovisibles = sortByWeightDesc(kf.covisibility)

	if !kf.hasParent && len(kf.orderedCovisibles) > 0 {
		kf.parent = kf.orderedCovisibles[0]
		kf.hasParent = true
	}
}

func sortByWeightDesc(weights map[uint64]int) []uint64 {
	ids := make([]uint64, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if weights[ids[i]] != weights[ids[j]] {
			return weights[ids[i]] > weights[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Weight returns the covisibility weight to otherID, 0 if not connected.
func (kf *KeyFrame) Weight(otherID uint64) int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.covisibility[otherID]
}

// BestCovisibles returns up to n KeyFrame ids with the highest
// covisibility weight, descending.
func (kf *KeyFrame) BestCovisibles(n int) []uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	if n > len(kf.orderedCovisibles) {
		n = len(kf.orderedCovisibles)
	}
	out := make([]uint64, n)
	copy(out, kf.orderedCovisibles[:n])
	return out
}

// AllCovisibles returns every covisible KeyFrame id, descending by weight.
func (kf *KeyFrame) AllCovisibles() []uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]uint64, len(kf.orderedCovisibles))
	copy(out, kf.orderedCovisibles)
	return out
}

// Parent returns the spanning-tree parent, if any.
func (kf *KeyFrame) Parent() (id uint64, ok bool) {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.parent, kf.hasParent
}

// SetParent sets the spanning-tree parent.
func (kf *KeyFrame) SetParent(parentID uint64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.parent = parentID
	kf.hasParent = true
}

// AddChild records childID as a spanning-tree child of this KeyFrame.
func (kf *KeyFrame) AddChild(childID uint64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.children[childID] = true
}

// EraseChild removes childID from this KeyFrame's spanning-tree children.
func (kf *KeyFrame) EraseChild(childID uint64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	delete(kf.children, childID)
}

// Children returns a snapshot of this KeyFrame's spanning-tree children.
func (kf *KeyFrame) Children() []uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]uint64, 0, len(kf.children))
	for id := range kf.children {
		out = append(out, id)
	}
	return out
}

// AddLoopEdge records a confirmed loop-closure edge to otherID. Loop edges
// are permanent: they're never removed even if the KeyFrame is later
// culled from the spanning tree.
func (kf *KeyFrame) AddLoopEdge(otherID uint64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.loopEdges[otherID] = true
}

// LoopEdges returns a snapshot of this KeyFrame's loop-closure edges.
func (kf *KeyFrame) LoopEdges() []uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]uint64, 0, len(kf.loopEdges))
	for id := range kf.loopEdges {
		out = append(out, id)
	}
	return out
}

// IsBad reports whether this KeyFrame has been logically deleted.
func (kf *KeyFrame) IsBad() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bad
}

// SetBad marks this KeyFrame logically deleted. The Map is responsible for
// re-parenting its spanning-tree children and erasing it from the
// KeyFrameDatabase and from its covisible neighbors' edges.
func (kf *KeyFrame) SetBad() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.bad = true
}
