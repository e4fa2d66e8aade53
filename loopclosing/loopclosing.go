// Package loopclosing implements the worker thread that watches newly
// processed KeyFrames for a return to previously mapped territory: it
// detects a BoW candidate with temporal consistency across several
// KeyFrames, recovers a Sim(3) by RANSAC, fuses duplicate Landmarks
// across the loop, records a loop edge, and runs pose-graph optimization
// over the map's spanning-tree, covisibility and loop edges before
// releasing LocalMapping.
package loopclosing

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/utils"
)

// LocalMapper is the subset of LocalMapping LoopClosing pauses around a
// fusion, kept as an interface so this package never imports localmapping
// directly.
type LocalMapper interface {
	RequestStop()
	IsStopped() bool
	Release()
}

// Config tunes the candidate search, consistency, RANSAC, and fusion
// thresholds.
type Config struct {
	// MinSharedWords is the BoW-candidate retention threshold (15), same
	// convention as relocalization.Config.
	MinSharedWords int
	// ConsistentGroupSize is how many consecutive processed KeyFrames a
	// candidate group must persist across before it's accepted (3).
	ConsistentGroupSize int
	// CovisibilityExclusionWindow excludes a KeyFrame's own top-N
	// covisibles from candidacy, so a loop is never closed against the
	// area already locally mapped (30).
	CovisibilityExclusionWindow int
	Sim3Params                  nsolver.Sim3RANSACParams
	// FuseSearchRadius is the pixel-equivalent 3D search radius (in
	// landmark units) used when looking for a duplicate Landmark to fuse.
	FuseSearchRadius         float64
	DescriptorMatchThreshold int

	// GlobalBAChi2Threshold is the outlier-rejection threshold for the
	// asynchronous full bundle adjustment run after a loop closes.
	GlobalBAChi2Threshold float64

	IdlePollInterval time.Duration
}

// DefaultConfig returns the package's default thresholds.
func DefaultConfig() Config {
	return Config{
		MinSharedWords:              15,
		ConsistentGroupSize:         3,
		CovisibilityExclusionWindow: 30,
		Sim3Params: nsolver.Sim3RANSACParams{
			MaxIterations: 200,
			SampleSize:    3,
			Threshold:     0.01,
			MinInliers:    20,
		},
		FuseSearchRadius:         0.05,
		DescriptorMatchThreshold: 50,
		GlobalBAChi2Threshold:    5.991,
		IdlePollInterval:         5 * time.Millisecond,
	}
}

type queuedKeyFrame struct {
	mapID uint64
	kfID  uint64
}

// consistentGroup tracks one candidate cluster's run length across
// successive calls, for the temporal-consistency check.
type consistentGroup struct {
	members map[uint64]bool
	streak  int
}

// LoopClosing is the worker that watches newly processed KeyFrames for a
// return to previously mapped territory and corrects the map when it finds
// one.
type LoopClosing struct {
	logger  logging.Logger
	db      *mapmodel.MapDatabase
	matcher orbfeature.Matcher
	sim3    nsolver.Sim3Estimator
	pg      nsolver.PoseGraphOptimizer
	ba      nsolver.BundleAdjuster
	lm      LocalMapper
	cfg     Config

	pauseGate *utils.PauseGate

	mu     sync.Mutex
	queue  []queuedKeyFrame
	groups map[uint64][]*consistentGroup // keyed by mapID
}

// New returns a LoopClosing worker.
func New(
	logger logging.Logger,
	db *mapmodel.MapDatabase,
	matcher orbfeature.Matcher,
	sim3 nsolver.Sim3Estimator,
	pg nsolver.PoseGraphOptimizer,
	ba nsolver.BundleAdjuster,
	lm LocalMapper,
	cfg Config,
) *LoopClosing {
	return &LoopClosing{
		logger:    logger,
		db:        db,
		matcher:   matcher,
		sim3:      sim3,
		pg:        pg,
		ba:        ba,
		lm:        lm,
		cfg:       cfg,
		pauseGate: utils.NewPauseGate(),
		groups:    map[uint64][]*consistentGroup{},
	}
}

// InsertKeyFrame enqueues a KeyFrame LocalMapping just finished processing.
// Called by LocalMapping (or the top-level coordinator standing in for it)
// after its own per-KeyFrame pipeline completes.
func (lc *LoopClosing) InsertKeyFrame(mapID, kfID uint64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.queue = append(lc.queue, queuedKeyFrame{mapID: mapID, kfID: kfID})
}

func (lc *LoopClosing) dequeue() (queuedKeyFrame, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.queue) == 0 {
		return queuedKeyFrame{}, false
	}
	item := lc.queue[0]
	lc.queue = lc.queue[1:]
	return item, true
}

// RequestStop asks the worker to pause at its next check-in, used by
// MapMerging while it mutates a Map this worker also reads.
func (lc *LoopClosing) RequestStop() { lc.pauseGate.RequestStop() }

// IsStopped reports whether the worker is currently parked.
func (lc *LoopClosing) IsStopped() bool { return lc.pauseGate.IsStopped() }

// Release resumes a paused worker.
func (lc *LoopClosing) Release() { lc.pauseGate.Release() }

// Run is the worker loop, started via utils.StoppableWorkers.
func (lc *LoopClosing) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if lc.pauseGate.CheckIn() {
			continue
		}
		item, ok := lc.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(lc.cfg.IdlePollInterval):
			}
			continue
		}
		lc.processKeyFrame(ctx, item)
	}
}

func (lc *LoopClosing) processKeyFrame(ctx context.Context, item queuedKeyFrame) {
	m, ok := lc.db.Map(item.mapID)
	if !ok || m.IsErased() {
		return
	}
	kf, ok := m.KeyFrame(item.kfID)
	if !ok || kf.IsBad() {
		return
	}

	candidates := lc.detectCandidates(m, kf)
	group := lc.checkConsistency(m.ID, candidates)
	if group == nil {
		return
	}

	matchID, sim, ok := lc.computeSim3(m, kf, group)
	if !ok {
		return
	}

	lc.logger.Infof("loop closure: map %d keyframe %d <-> keyframe %d", m.ID, kf.ID, matchID)
	lc.fuseAndCorrect(ctx, m, kf, matchID, sim)

	lc.mu.Lock()
	delete(lc.groups, m.ID)
	lc.mu.Unlock()
}

// detectCandidates runs the BoW candidate query, excluding kf's own top-N
// covisibles so the loop is never closed against locally mapped territory.
func (lc *LoopClosing) detectCandidates(m *mapmodel.Map, kf *mapmodel.KeyFrame) []uint64 {
	excluded := map[uint64]bool{kf.ID: true}
	for _, id := range kf.BestCovisibles(lc.cfg.CovisibilityExclusionWindow) {
		excluded[id] = true
	}

	counts := m.KeyFrameDatabase().Candidates(kf.BoW)
	var candidates []uint64
	for id, shared := range counts {
		if excluded[id] {
			continue
		}
		if shared >= lc.cfg.MinSharedWords {
			candidates = append(candidates, id)
		}
	}
	return candidates
}

// checkConsistency groups candidate sets across successive calls: a
// candidate set must overlap a tracked group across ConsistentGroupSize
// consecutive calls before it's accepted. Returns the accepted group's
// member ids, or nil if nothing reached the streak yet.
func (lc *LoopClosing) checkConsistency(mapID uint64, candidates []uint64) []uint64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	current := map[uint64]bool{}
	for _, id := range candidates {
		current[id] = true
	}

	var matched *consistentGroup
	for _, g := range lc.groups[mapID] {
		if overlaps(g.members, current) {
			matched = g
			break
		}
	}

	if matched == nil {
		matched = &consistentGroup{members: current, streak: 1}
		lc.groups[mapID] = append(lc.groups[mapID], matched)
	} else {
		matched.members = current
		matched.streak++
	}

	lc.groups[mapID] = pruneStale(lc.groups[mapID], matched)

	if matched.streak >= lc.cfg.ConsistentGroupSize {
		ids := make([]uint64, 0, len(matched.members))
		for id := range matched.members {
			ids = append(ids, id)
		}
		return ids
	}
	return nil
}

func overlaps(a, b map[uint64]bool) bool {
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}

// pruneStale drops every tracked group but the one that just matched, per
// the reference implementation's single-active-group-per-map convention:
// an unrelated candidate set starts its streak over rather than
// accumulating alongside a live one.
func pruneStale(groups []*consistentGroup, keep *consistentGroup) []*consistentGroup {
	return []*consistentGroup{keep}
}

// computeSim3 estimates, for each of the consistent group's member
// KeyFrames, a Sim(3) aligning kf's Landmark positions onto that
// KeyFrame's (correspondences via descriptor matching), and returns the
// member whose RANSAC fit has the most inliers.
func (lc *LoopClosing) computeSim3(m *mapmodel.Map, kf *mapmodel.KeyFrame, group []uint64) (uint64, spatialmath.Similarity, bool) {
	var bestID uint64
	var bestSim spatialmath.Similarity
	bestInliers := 0
	found := false

	for _, candidateID := range group {
		candidate, ok := m.KeyFrame(candidateID)
		if !ok || candidate.IsBad() {
			continue
		}
		correspondences := lc.buildCorrespondences(m, kf, candidate)
		if len(correspondences) < lc.cfg.Sim3Params.SampleSize {
			continue
		}
		result, ok := lc.sim3.EstimateRANSAC(correspondences, lc.cfg.Sim3Params)
		if !ok {
			continue
		}
		count := 0
		for _, inlier := range result.Inliers {
			if inlier {
				count++
			}
		}
		if count > bestInliers {
			bestInliers, bestID, bestSim, found = count, candidateID, result.Sim, true
		}
	}
	return bestID, bestSim, found
}

func (lc *LoopClosing) buildCorrespondences(m *mapmodel.Map, kf, candidate *mapmodel.KeyFrame) []nsolver.Sim3Correspondence {
	matches := lc.matcher.Match(kf.Descriptors, candidate.Descriptors, lc.cfg.DescriptorMatchThreshold)
	var out []nsolver.Sim3Correspondence
	for ki, ci := range matches {
		if ci < 0 {
			continue
		}
		aID := kf.LandmarkAt(ki)
		bID := candidate.LandmarkAt(ci)
		if aID == 0 || bID == 0 {
			continue
		}
		a, ok := m.Landmark(aID)
		if !ok || a.IsBad() {
			continue
		}
		b, ok := m.Landmark(bID)
		if !ok || b.IsBad() {
			continue
		}
		out = append(out, nsolver.Sim3Correspondence{PointA: a.Position(), PointB: b.Position()})
	}
	return out
}

// fuseAndCorrect pauses LocalMapping, fuses duplicate Landmarks found by
// mapping kf's covisible window through the Sim(3), records the loop edge,
// runs pose-graph optimization, then releases LocalMapping and kicks off an
// asynchronous global bundle adjustment. sim is not applied to any
// KeyFrame pose: the pose-graph edges, the new loop edge included, are
// built from the KeyFrames' current poses.
func (lc *LoopClosing) fuseAndCorrect(ctx context.Context, m *mapmodel.Map, kf *mapmodel.KeyFrame, matchID uint64, sim spatialmath.Similarity) {
	lc.lm.RequestStop()
	for !lc.lm.IsStopped() {
		time.Sleep(time.Millisecond)
	}
	defer lc.lm.Release()

	lc.fuseLandmarksAcrossLoop(m, kf, sim)

	kf.AddLoopEdge(matchID)
	if match, ok := m.KeyFrame(matchID); ok {
		match.AddLoopEdge(kf.ID)
	}

	kf.UpdateConnections(m.ObserversOf, 0)

	if err := RunPoseGraphOptimization(ctx, lc.pg, m); err != nil {
		lc.logger.Debugf("pose graph optimization did not converge: %v", err)
	}

	go lc.runGlobalBA(ctx, m)
}

// fuseLandmarksAcrossLoop maps each Landmark of kf's window (kf plus its
// 10 best covisibles) through sim and fuses it into the Landmark, anywhere
// in the Map, that lies within FuseSearchRadius of the mapped position and
// has the closest descriptor.
func (lc *LoopClosing) fuseLandmarksAcrossLoop(m *mapmodel.Map, kf *mapmodel.KeyFrame, sim spatialmath.Similarity) {
	window := append([]uint64{kf.ID}, kf.BestCovisibles(10)...)
	for _, kfID := range window {
		neighbor, ok := m.KeyFrame(kfID)
		if !ok || neighbor.IsBad() {
			continue
		}
		for i, landmarkID := range neighbor.Observations() {
			if landmarkID == 0 || i >= len(neighbor.Descriptors) {
				continue
			}
			landmark, ok := m.Landmark(landmarkID)
			if !ok || landmark.IsBad() {
				continue
			}
			corrected := sim.Transform(landmark.Position())
			dupID, dupOK := lc.findDuplicate(m, neighbor.Descriptors[i], corrected, landmarkID)
			if dupOK {
				m.FuseLandmarks(dupID, landmarkID)
			}
		}
	}
}

func (lc *LoopClosing) findDuplicate(m *mapmodel.Map, query orbfeature.Descriptor, corrected r3.Vector, excludeID uint64) (uint64, bool) {
	best := uint64(0)
	bestDist := lc.cfg.DescriptorMatchThreshold + 1
	for _, other := range m.Landmarks() {
		if other.ID == excludeID || other.IsBad() {
			continue
		}
		if corrected.Sub(other.Position()).Norm2() > lc.cfg.FuseSearchRadius*lc.cfg.FuseSearchRadius {
			continue
		}
		d := orbfeature.HammingDistance(query, other.Descriptor())
		if d < bestDist {
			bestDist = d
			best = other.ID
		}
	}
	return best, best != 0
}
