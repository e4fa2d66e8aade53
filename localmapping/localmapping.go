// Package localmapping implements the worker thread that consumes newly
// inserted KeyFrames from Tracking: it links each into its Map's
// covisibility graph and KeyFrameDatabase, culls unstable Landmarks and
// redundant KeyFrames, triangulates new Landmarks, fuses duplicates, and
// runs local bundle adjustment when its queue drains.
package localmapping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/utils"
)

// Config tunes the thresholds LocalMapping applies; field names match the
// component-design step they govern.
type Config struct {
	// CovisibleWindow is N in "triangulate against top-N covisible
	// KeyFrames" and in "fuse duplicates in covisible KeyFrames" (N=20).
	CovisibleWindow int
	// CullingWindow is how many KeyFrame insertions a Landmark stays
	// eligible for the too-young-too-unstable cull (3).
	CullingWindow int
	// NewLandmarkMinObservers is the minimum observer count a Landmark
	// inside its culling window must reach to survive (3).
	NewLandmarkMinObservers int
	// NewLandmarkMinFoundRatio is the minimum found/visible ratio a
	// Landmark inside its culling window must reach to survive (0.25).
	NewLandmarkMinFoundRatio float64
	// RedundancyObserverCount is the minimum number of other KeyFrames
	// that must observe a Landmark at an equal-or-finer scale for it to
	// count toward a KeyFrame's redundancy ratio (3).
	RedundancyObserverCount int
	// RedundancyRatio is the fraction of a KeyFrame's Landmarks that must
	// be redundant for the KeyFrame itself to be culled (0.9).
	RedundancyRatio float64
	// IdlePollInterval is how long the worker loop sleeps when its queue
	// is empty, between idle re-checks.
	IdlePollInterval time.Duration
}

// DefaultConfig returns the package's default thresholds.
func DefaultConfig() Config {
	return Config{
		CovisibleWindow:          20,
		CullingWindow:            3,
		NewLandmarkMinObservers:  3,
		NewLandmarkMinFoundRatio: 0.25,
		RedundancyObserverCount:  3,
		RedundancyRatio:          0.9,
		IdlePollInterval:         5 * time.Millisecond,
	}
}

type queuedKeyFrame struct {
	mapID uint64
	kfID  uint64
}

// LocalMapping is the worker that consumes KeyFrames Tracking just inserted
// and folds them into the map: covisibility linking, culling, triangulation,
// fusion, and local bundle adjustment.
type LocalMapping struct {
	logger  logging.Logger
	db      *mapmodel.MapDatabase
	matcher orbfeature.Matcher
	ba      nsolver.BundleAdjuster
	cfg     Config

	pauseGate *utils.PauseGate
	interrupt atomic.Bool
	idle      atomic.Bool

	mu             sync.Mutex
	queue          []queuedKeyFrame
	newLandmarks   map[uint64]uint64 // landmark id -> processedCount at birth
	processedCount uint64

	// onProcessed, if set, is called after a KeyFrame finishes the local
	// mapping pipeline (culling, triangulation, fusion, and local BA when
	// the queue has drained). The top-level coordinator wires this to
	// LoopClosing.InsertKeyFrame and MapMerging.InsertKeyFrame so neither
	// package needs to import this one.
	onProcessed func(mapID, kfID uint64)
}

// SetOnProcessed wires the callback invoked once per processed KeyFrame.
func (lm *LocalMapping) SetOnProcessed(f func(mapID, kfID uint64)) {
	lm.onProcessed = f
}

// New returns a LocalMapping worker. matcher and ba are the orbfeature and
// nsolver collaborators it drives triangulation, fusion, and local bundle
// adjustment through.
func New(logger logging.Logger, db *mapmodel.MapDatabase, matcher orbfeature.Matcher, ba nsolver.BundleAdjuster, cfg Config) *LocalMapping {
	return &LocalMapping{
		logger:       logger,
		db:           db,
		matcher:      matcher,
		ba:           ba,
		cfg:          cfg,
		pauseGate:    utils.NewPauseGate(),
		newLandmarks: map[uint64]uint64{},
	}
}

// InsertKeyFrame enqueues a newly created KeyFrame for processing. Called
// by Tracking; the queue is FIFO, matching Tracking's insertion order.
func (lm *LocalMapping) InsertKeyFrame(mapID, kfID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.queue = append(lm.queue, queuedKeyFrame{mapID: mapID, kfID: kfID})
	lm.idle.Store(false)
}

// QueueLen reports how many KeyFrames are waiting to be processed, used by
// Tracking's keyframe-insertion policy to decide whether to interrupt
// local BA instead of waiting.
func (lm *LocalMapping) QueueLen() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.queue)
}

func (lm *LocalMapping) dequeue() (queuedKeyFrame, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.queue) == 0 {
		return queuedKeyFrame{}, false
	}
	kf := lm.queue[0]
	lm.queue = lm.queue[1:]
	return kf, true
}

// IsIdle reports whether the queue is currently drained, the condition
// Tracking's insertion policy checks before forcing an early KeyFrame.
func (lm *LocalMapping) IsIdle() bool {
	return lm.idle.Load()
}

// RequestStop asks the worker to pause at its next check-in, used by
// LoopClosing and MapMerging while they touch the map.
func (lm *LocalMapping) RequestStop() { lm.pauseGate.RequestStop() }

// IsStopped reports whether the worker is currently parked.
func (lm *LocalMapping) IsStopped() bool { return lm.pauseGate.IsStopped() }

// Release resumes a paused worker.
func (lm *LocalMapping) Release() { lm.pauseGate.Release() }

// InterruptBA asks an in-flight local bundle adjustment to abort between
// iterations. Called by Tracking when it needs to insert a KeyFrame but
// LocalMapping is busy optimizing.
func (lm *LocalMapping) InterruptBA() { lm.interrupt.Store(true) }

// RequestReset drains the queue and clears culling state, used when
// Tracking re-initializes after catastrophic loss.
func (lm *LocalMapping) RequestReset() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.queue = nil
	lm.newLandmarks = map[uint64]uint64{}
	lm.processedCount = 0
	lm.idle.Store(true)
}

// Run is the worker loop, started via utils.StoppableWorkers.
func (lm *LocalMapping) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if lm.pauseGate.CheckIn() {
			continue
		}

		item, ok := lm.dequeue()
		if !ok {
			lm.idle.Store(true)
			select {
			case <-ctx.Done():
				return
			case <-time.After(lm.cfg.IdlePollInterval):
			}
			continue
		}
		lm.idle.Store(false)
		lm.processKeyFrame(ctx, item)
	}
}

func (lm *LocalMapping) processKeyFrame(ctx context.Context, item queuedKeyFrame) {
	m, ok := lm.db.Map(item.mapID)
	if !ok || m.IsErased() {
		return
	}
	kf, ok := m.KeyFrame(item.kfID)
	if !ok || kf.IsBad() {
		return
	}

	kf.UpdateConnections(m.ObserversOf, 0)

	lm.mu.Lock()
	lm.processedCount++
	birth := lm.processedCount
	lm.mu.Unlock()

	lm.cullLandmarks(m, birth)
	lm.triangulateNewLandmarks(m, kf, birth)
	lm.fuseDuplicates(m, kf)
	kf.UpdateConnections(m.ObserversOf, 0)

	if lm.QueueLen() == 0 {
		lm.interrupt.Store(false)
		if err := lm.runLocalBA(ctx, m, kf); err != nil {
			lm.logger.Debugf("local bundle adjustment did not converge: %v", err)
		}
		lm.cullRedundantKeyFrames(m, kf)
	}

	if lm.onProcessed != nil {
		lm.onProcessed(item.mapID, item.kfID)
	}
}
