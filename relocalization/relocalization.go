// Package relocalization implements the worker thread Tracking falls back
// to when it loses tracking: given a Frame it can no longer place by
// motion-model or window search, it searches every Map's KeyFrameDatabase
// for a bag-of-words candidate, recovers a pose by P4P RANSAC, and on
// success commits it back into Tracking via the TrackingSink contract.
package relocalization

import (
	"context"
	"sort"
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

// TrackingSink is the callback boundary Tracking implements; defined here
// (rather than imported from the tracking package) so this package has no
// dependency on tracking at all. The top-level coordinator supplies a
// concrete *tracking.Tracking that satisfies this interface structurally.
type TrackingSink interface {
	CommitRelocalization(mapID, keyFrameID uint64, pose spatialmath.Pose, frame *mapmodel.Frame)
}

// mode distinguishes a full cross-map search from a single-Map search
// restricted to one KeyFrame's covisible neighborhood.
type mode int

const (
	modeGlobal mode = iota
	modeInline
)

// Config tunes the candidate search, RANSAC, and refinement thresholds.
type Config struct {
	// MinSharedWords is the BoW-candidate retention threshold ("SearchByBoW
	// returning ≥15 matches retained").
	MinSharedWords int
	// MaxCandidateAttempts bounds how many RANSAC draws are spent per
	// candidate per outer pass (5).
	MaxCandidateAttempts int
	// MaxOuterPasses bounds how many times the whole candidate list is
	// retried before giving up on one submitted frame.
	MaxOuterPasses int
	// InlineCovisibleCount is the top-N covisible window searched in
	// inline mode, alongside the last KeyFrame itself (9).
	InlineCovisibleCount int

	PnPParams nsolver.PnPRANSACParams

	// MinPostOptimizationInliers is the inlier count required after either
	// refinement pass (50).
	MinPostOptimizationInliers int
	// RefineRadius1/Radius2 are the two SearchByProjection radii tried in
	// order (10, then 3).
	RefineRadius1, RefineRadius2 float64
	Chi2Threshold                float64
	DescriptorMatchThreshold     int

	IdlePollInterval time.Duration
}

// DefaultConfig returns the package's default thresholds.
func DefaultConfig() Config {
	return Config{
		MinSharedWords:       15,
		MaxCandidateAttempts: 5,
		MaxOuterPasses:       1,
		InlineCovisibleCount: 9,
		PnPParams: nsolver.PnPRANSACParams{
			Confidence:    0.99,
			MinInliers:    10,
			MaxIterations: 300,
			SampleSize:    4,
			InlierRatio:   0.5,
			Chi2Threshold: 5.991,
		},
		MinPostOptimizationInliers: 50,
		RefineRadius1:              10,
		RefineRadius2:              3,
		Chi2Threshold:              5.991,
		DescriptorMatchThreshold:   50,
		IdlePollInterval:           5 * time.Millisecond,
	}
}

type job struct {
	mode           mode
	frame          *mapmodel.Frame
	mapID          uint64 // inline mode only
	lastKeyFrameID uint64 // inline mode only
}

// Relocalization is the worker that recovers Tracking's pose after loss by
// searching KeyFrameDatabases for a bag-of-words candidate and confirming it
// with P4P RANSAC and projection-based refinement.
type Relocalization struct {
	logger  logging.Logger
	db      *mapmodel.MapDatabase
	voc     vocabulary.Vocabulary
	matcher orbfeature.Matcher
	pnp     nsolver.PnPSolver
	ba      nsolver.BundleAdjuster
	sink    TrackingSink
	cfg     Config

	pauseGate *utils.PauseGate

	mu      sync.Mutex
	pending *job
}

// New returns a Relocalization worker. sink is the TrackingSink Tracking
// supplies at wiring time.
func New(
	logger logging.Logger,
	db *mapmodel.MapDatabase,
	voc vocabulary.Vocabulary,
	matcher orbfeature.Matcher,
	pnp nsolver.PnPSolver,
	ba nsolver.BundleAdjuster,
	sink TrackingSink,
	cfg Config,
) *Relocalization {
	return &Relocalization{
		logger:    logger,
		db:        db,
		voc:       voc,
		matcher:   matcher,
		pnp:       pnp,
		ba:        ba,
		sink:      sink,
		cfg:       cfg,
		pauseGate: utils.NewPauseGate(),
	}
}

// RequestGlobal starts (or replaces) a global relocalization attempt:
// every non-erased Map's KeyFrameDatabase is searched, and a successful
// match switches the current Map. Implements tracking.Relocalizer.
func (r *Relocalization) RequestGlobal(frame *mapmodel.Frame) {
	r.setPending(&job{mode: modeGlobal, frame: frame})
}

// RequestInline restricts the search to lastKeyFrameID's top-N
// covisibles within a single Map, used during loop closing; it does not
// change which Map is current.
func (r *Relocalization) RequestInline(mapID, lastKeyFrameID uint64, frame *mapmodel.Frame) {
	r.setPending(&job{mode: modeInline, frame: frame, mapID: mapID, lastKeyFrameID: lastKeyFrameID})
}

func (r *Relocalization) setPending(j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = j
}

func (r *Relocalization) takePending() *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.pending
	r.pending = nil
	return j
}

// RequestStop asks the worker to pause at its next check-in.
func (r *Relocalization) RequestStop() { r.pauseGate.RequestStop() }

// IsStopped reports whether the worker is currently parked.
func (r *Relocalization) IsStopped() bool { return r.pauseGate.IsStopped() }

// Release resumes a paused worker.
func (r *Relocalization) Release() { r.pauseGate.Release() }

// RequestReset drops any pending job, used when Tracking starts a fresh
// initialization instead of waiting on relocalization.
func (r *Relocalization) RequestReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
}

// Run is the worker loop, started via utils.StoppableWorkers. Relocalization
// keeps retrying a pending job until it succeeds or Tracking stops
// submitting frames; there is no timeout failure mode.
func (r *Relocalization) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if r.pauseGate.CheckIn() {
			continue
		}
		j := r.takePending()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.IdlePollInterval):
			}
			continue
		}
		r.process(ctx, j)
	}
}

func (r *Relocalization) process(ctx context.Context, j *job) {
	frame := j.frame
	frame.ComputeBoW(r.voc)

	maps := r.candidateMaps(j)
	for pass := 0; pass < r.cfg.MaxOuterPasses; pass++ {
		for _, m := range maps {
			for _, kfID := range r.candidateKeyFrames(m, frame, j) {
				if r.tryCandidate(ctx, m, kfID, frame) {
					return
				}
			}
		}
	}
}

func (r *Relocalization) candidateMaps(j *job) []*mapmodel.Map {
	if j.mode == modeInline {
		if m, ok := r.db.Map(j.mapID); ok && !m.IsErased() {
			return []*mapmodel.Map{m}
		}
		return nil
	}
	return r.db.Maps()
}

func (r *Relocalization) candidateKeyFrames(m *mapmodel.Map, frame *mapmodel.Frame, j *job) []uint64 {
	if j.mode == modeInline {
		kf, ok := m.KeyFrame(j.lastKeyFrameID)
		if !ok {
			return nil
		}
		return append([]uint64{kf.ID}, kf.BestCovisibles(r.cfg.InlineCovisibleCount)...)
	}

	bow, _ := frame.ComputeBoW(r.voc)
	counts := m.KeyFrameDatabase().Candidates(bow)
	ids := make([]uint64, 0, len(counts))
	for id, shared := range counts {
		if shared >= r.cfg.MinSharedWords {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}
