// Package mapmerging implements the worker thread that detects when two
// distinct Maps in the MapDatabase have rediscovered the same physical
// place: it runs the same BoW-candidate-plus-Sim(3) machinery LoopClosing
// uses for intra-map loops, but across every non-current Map, and on a
// confirmed match folds the other Map into the queued KeyFrame's Map
// (the two Maps' sizes are not compared) rather than just inserting a
// loop edge.
package mapmerging

import (
	"context"
	"sync"
	"time"

	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/utils"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

// Pausable is the subset of LocalMapping/LoopClosing MapMerging pauses
// around a merge, kept as an interface so this package imports neither
// directly.
type Pausable interface {
	RequestStop()
	IsStopped() bool
	Release()
}

// Config tunes the candidate search and Sim(3) RANSAC thresholds; the
// detection side shares its conventions with loopclosing.Config.
type Config struct {
	MinSharedWords   int
	Sim3Params       nsolver.Sim3RANSACParams
	FuseSearchRadius float64

	DescriptorMatchThreshold int
	IdlePollInterval         time.Duration
}

// DefaultConfig returns the package's default thresholds.
func DefaultConfig() Config {
	return Config{
		MinSharedWords: 15,
		Sim3Params: nsolver.Sim3RANSACParams{
			MaxIterations: 200,
			SampleSize:    3,
			Threshold:     0.01,
			MinInliers:    20,
		},
		FuseSearchRadius:         0.05,
		DescriptorMatchThreshold: 50,
		IdlePollInterval:         5 * time.Millisecond,
	}
}

type queuedKeyFrame struct {
	mapID uint64
	kfID  uint64
}

// MapMerging is the worker that detects when two distinct Maps have
// rediscovered the same place and folds the other Map into the queued
// KeyFrame's Map; the two Maps' sizes are not compared.
type MapMerging struct {
	logger  logging.Logger
	db      *mapmodel.MapDatabase
	voc     vocabulary.Vocabulary
	matcher orbfeature.Matcher
	sim3    nsolver.Sim3Estimator
	pg      nsolver.PoseGraphOptimizer
	lm      Pausable // LocalMapping
	lc      Pausable // LoopClosing
	cfg     Config

	pauseGate *utils.PauseGate

	mu    sync.Mutex
	queue []queuedKeyFrame
}

// New returns a MapMerging worker. voc must be the same Vocabulary
// instance every Map's KeyFrames were indexed with, since absorbing a
// KeyFrame recomputes its BoW vector against it.
func New(
	logger logging.Logger,
	db *mapmodel.MapDatabase,
	voc vocabulary.Vocabulary,
	matcher orbfeature.Matcher,
	sim3 nsolver.Sim3Estimator,
	pg nsolver.PoseGraphOptimizer,
	lm Pausable,
	lc Pausable,
	cfg Config,
) *MapMerging {
	return &MapMerging{
		logger:    logger,
		db:        db,
		voc:       voc,
		matcher:   matcher,
		sim3:      sim3,
		pg:        pg,
		lm:        lm,
		lc:        lc,
		cfg:       cfg,
		pauseGate: utils.NewPauseGate(),
	}
}

// InsertKeyFrame enqueues a KeyFrame to be checked against every other
// Map in the database. Called by Tracking or LocalMapping after a
// KeyFrame is added to the current Map.
func (mm *MapMerging) InsertKeyFrame(mapID, kfID uint64) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.queue = append(mm.queue, queuedKeyFrame{mapID: mapID, kfID: kfID})
}

func (mm *MapMerging) dequeue() (queuedKeyFrame, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if len(mm.queue) == 0 {
		return queuedKeyFrame{}, false
	}
	item := mm.queue[0]
	mm.queue = mm.queue[1:]
	return item, true
}

// RequestStop asks the worker to pause at its next check-in.
func (mm *MapMerging) RequestStop() { mm.pauseGate.RequestStop() }

// IsStopped reports whether the worker is currently parked.
func (mm *MapMerging) IsStopped() bool { return mm.pauseGate.IsStopped() }

// Release resumes a paused worker.
func (mm *MapMerging) Release() { mm.pauseGate.Release() }

// Run is the worker loop, started via utils.StoppableWorkers.
func (mm *MapMerging) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if mm.pauseGate.CheckIn() {
			continue
		}
		item, ok := mm.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(mm.cfg.IdlePollInterval):
			}
			continue
		}
		mm.processKeyFrame(ctx, item)
	}
}

func (mm *MapMerging) processKeyFrame(ctx context.Context, item queuedKeyFrame) {
	m, ok := mm.db.Map(item.mapID)
	if !ok || m.IsErased() {
		return
	}
	kf, ok := m.KeyFrame(item.kfID)
	if !ok || kf.IsBad() {
		return
	}

	for _, other := range mm.db.Maps() {
		if other.ID == m.ID || other.IsErased() {
			continue
		}
		candidateID, sim, ok := mm.detectAndCompute(m, kf, other)
		if !ok {
			continue
		}
		mm.logger.Infof("map merge: map %d keyframe %d <-> map %d keyframe %d", m.ID, kf.ID, other.ID, candidateID)
		mm.merge(ctx, m, other, candidateID, sim)
		return
	}
}

// detectAndCompute runs the detection step against a single foreign Map: a
// BoW query in other's KeyFrameDatabase, followed by a Sim(3) RANSAC fit
// between kf and the best-matching candidate.
func (mm *MapMerging) detectAndCompute(m *mapmodel.Map, kf *mapmodel.KeyFrame, other *mapmodel.Map) (uint64, spatialmath.Similarity, bool) {
	counts := other.KeyFrameDatabase().Candidates(kf.BoW)
	var bestID uint64
	var bestSim spatialmath.Similarity
	bestInliers := 0
	found := false

	for id, shared := range counts {
		if shared < mm.cfg.MinSharedWords {
			continue
		}
		candidate, ok := other.KeyFrame(id)
		if !ok || candidate.IsBad() {
			continue
		}
		correspondences := mm.buildCorrespondences(m, kf, other, candidate)
		if len(correspondences) < mm.cfg.Sim3Params.SampleSize {
			continue
		}
		result, ok := mm.sim3.EstimateRANSAC(correspondences, mm.cfg.Sim3Params)
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
			bestInliers, bestID, bestSim, found = count, id, result.Sim, true
		}
	}
	return bestID, bestSim, found
}

func (mm *MapMerging) buildCorrespondences(m *mapmodel.Map, kf *mapmodel.KeyFrame, other *mapmodel.Map, candidate *mapmodel.KeyFrame) []nsolver.Sim3Correspondence {
	matches := mm.matcher.Match(kf.Descriptors, candidate.Descriptors, mm.cfg.DescriptorMatchThreshold)
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
		b, ok := other.Landmark(bID)
		if !ok || b.IsBad() {
			continue
		}
		out = append(out, nsolver.Sim3Correspondence{PointA: a.Position(), PointB: b.Position()})
	}
	return out
}
