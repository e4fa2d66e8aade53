package localmapping

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

func testIntrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}
}

// recordingBA records whether Optimize was invoked and echoes back
// caller-supplied Cameras/Points, optionally shifted, standing in for the
// nsolver.BundleAdjuster the real solver implements.
type recordingBA struct {
	called     bool
	poseShift  r3.Vector
	pointShift r3.Vector
}

func (b *recordingBA) Optimize(_ context.Context, problem *nsolver.BAProblem) (*nsolver.BAResult, error) {
	b.called = true
	cameras := make([]nsolver.CameraBlock, len(problem.Cameras))
	for i, c := range problem.Cameras {
		if !c.Fixed {
			c.Pose = spatialmath.NewPose(c.Pose.Point().Add(b.poseShift), c.Pose.Orientation())
		}
		cameras[i] = c
	}
	points := make([]nsolver.PointBlock, len(problem.Points))
	for i, p := range problem.Points {
		points[i] = nsolver.PointBlock{ID: p.ID, Position: p.Position.Add(b.pointShift)}
	}
	return &nsolver.BAResult{Cameras: cameras, Points: points, Outliers: map[int]bool{}}, nil
}

func newKeyFrameAt(m *mapmodel.Map, id uint64, center r3.Vector, kps []orbfeature.KeyPoint, descs []orbfeature.Descriptor) *mapmodel.KeyFrame {
	intr := testIntrinsics()
	f := mapmodel.NewFrame(id, float64(id), intr, nil)
	f.KeyPoints = kps
	f.Descriptors = descs
	f.SetPose(spatialmath.NewPose(r3.Vector{}.Sub(center), quat.Number{Real: 1}))
	return mapmodel.NewKeyFrame(id, m.ID, f, vocabulary.New(8))
}

// Scenario: a Landmark created within the culling window that never
// gathers enough observers or a high enough found ratio is erased and
// dropped from tracking, one that ages out of the window while healthy
// graduates out of tracking without being erased, and a young healthy one
// stays tracked.
func TestCullLandmarksErasesUnstableGraduatesAgedSurvivors(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	unstable := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 1}, 1, 0)
	unstable.IncrementVisible(10) // found stays 1, ratio drops to 1/11
	m.AddLandmark(unstable)

	aged := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 1}, 1, 0)
	aged.AddObservation(2, 0)
	aged.AddObservation(3, 0)
	m.AddLandmark(aged)

	young := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 1}, 1, 0)
	young.AddObservation(2, 0)
	young.AddObservation(3, 0)
	m.AddLandmark(young)

	lm := &LocalMapping{
		cfg: DefaultConfig(),
		newLandmarks: map[uint64]uint64{
			unstable.ID: 1,
			aged.ID:     1,
			young.ID:    5,
		},
	}

	lm.cullLandmarks(m, 5)

	test.That(t, unstable.IsBad(), test.ShouldBeTrue)
	test.That(t, aged.IsBad(), test.ShouldBeFalse)
	test.That(t, young.IsBad(), test.ShouldBeFalse)

	_, stillTrackedUnstable := lm.newLandmarks[unstable.ID]
	_, stillTrackedAged := lm.newLandmarks[aged.ID]
	_, stillTrackedYoung := lm.newLandmarks[young.ID]
	test.That(t, stillTrackedUnstable, test.ShouldBeFalse)
	test.That(t, stillTrackedAged, test.ShouldBeFalse)
	test.That(t, stillTrackedYoung, test.ShouldBeTrue)
}

// Scenario: two covisible KeyFrames each see an unmatched keypoint of the
// same physical point from a different angle; triangulateNewLandmarks
// fixes its depth and wires up a brand-new Landmark observed by both.
func TestTriangulateNewLandmarksCreatesLandmarkFromCovisibleMatch(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	kfID := m.NextKeyFrameID()
	neighborID := m.NextKeyFrameID()

	kf := newKeyFrameAt(m, kfID, r3.Vector{},
		[]orbfeature.KeyPoint{{X: 320, Y: 240}, {X: 400, Y: 240}},
		[]orbfeature.Descriptor{{0x01}, {0xAA}})
	neighbor := newKeyFrameAt(m, neighborID, r3.Vector{X: 0.3},
		[]orbfeature.KeyPoint{{X: 290, Y: 240}, {X: 400, Y: 240}},
		[]orbfeature.Descriptor{{0x01}, {0xAA}})
	m.AddKeyFrame(kf)
	m.AddKeyFrame(neighbor)

	shared := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 5}, kf.ID, 1)
	shared.AddObservation(neighbor.ID, 1)
	m.AddLandmark(shared)
	kf.SetLandmarkAt(1, shared.ID)
	neighbor.SetLandmarkAt(1, shared.ID)
	kf.UpdateConnections(m.ObserversOf, 0)

	lm := &LocalMapping{
		matcher:      orbfeature.NewMatcher(),
		cfg:          DefaultConfig(),
		newLandmarks: map[uint64]uint64{},
	}

	beforeCount := len(m.Landmarks())
	lm.triangulateNewLandmarks(m, kf, 7)

	test.That(t, len(m.Landmarks()), test.ShouldEqual, beforeCount+1)
	newID := kf.LandmarkAt(0)
	test.That(t, newID, test.ShouldNotEqual, uint64(0))
	test.That(t, neighbor.LandmarkAt(0), test.ShouldEqual, newID)

	landmark, ok := m.Landmark(newID)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, landmark.Position().Z, test.ShouldAlmostEqual, 5.0, 0.05)
	test.That(t, lm.newLandmarks[newID], test.ShouldEqual, uint64(7))
}

// Scenario: a KeyFrame's Landmark projects into a covisible neighbor near
// an existing keypoint that already owns a different Landmark with a
// matching descriptor; fuseDuplicates merges the two, keeping whichever
// has more observers.
func TestFuseDuplicatesMergesProjectedLandmarkIntoBetterObservedOne(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	kfID := m.NextKeyFrameID()
	neighborID := m.NextKeyFrameID()

	kf := newKeyFrameAt(m, kfID, r3.Vector{},
		[]orbfeature.KeyPoint{{X: 320, Y: 240}, {X: 400, Y: 240}},
		[]orbfeature.Descriptor{{0x00}, {0xAA}})
	neighbor := newKeyFrameAt(m, neighborID, r3.Vector{X: 0.3},
		[]orbfeature.KeyPoint{{X: 290, Y: 240}, {X: 400, Y: 240}},
		[]orbfeature.Descriptor{{0x00}, {0xAA}})
	m.AddKeyFrame(kf)
	m.AddKeyFrame(neighbor)

	ownLandmark := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 5}, kf.ID, 0)
	ownLandmark.SetDescriptor(orbfeature.Descriptor{0x01})
	m.AddLandmark(ownLandmark)
	kf.SetLandmarkAt(0, ownLandmark.ID)

	betterLandmark := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{X: 0.3, Z: 5}, neighbor.ID, 0)
	betterLandmark.SetDescriptor(orbfeature.Descriptor{0x01})
	betterLandmark.AddObservation(999, 0) // extra observer so it outweighs ownLandmark
	m.AddLandmark(betterLandmark)
	neighbor.SetLandmarkAt(0, betterLandmark.ID)

	// Placed far behind both cameras' other keypoints so its own projection
	// never lands within fuseProjectionPixelRadius of anything and only
	// contributes covisibility, not a spurious fuse candidate.
	shared := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 50}, kf.ID, 1)
	shared.AddObservation(neighbor.ID, 1)
	m.AddLandmark(shared)
	kf.SetLandmarkAt(1, shared.ID)
	neighbor.SetLandmarkAt(1, shared.ID)
	kf.UpdateConnections(m.ObserversOf, 0)

	lm := &LocalMapping{cfg: DefaultConfig()}
	lm.fuseDuplicates(m, kf)

	test.That(t, ownLandmark.IsBad(), test.ShouldBeTrue)
	test.That(t, betterLandmark.IsBad(), test.ShouldBeFalse)
	test.That(t, kf.LandmarkAt(0), test.ShouldEqual, betterLandmark.ID)

	_, observedByKF := betterLandmark.Observations()[kf.ID]
	test.That(t, observedByKF, test.ShouldBeTrue)
}

// Scenario: running local bundle adjustment over a single free KeyFrame
// and its one Landmark writes the solver's refined pose and position back
// into the Map.
func TestRunLocalBAWritesOptimizedPoseAndPositionBack(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	kf := newKeyFrameAt(m, m.NextKeyFrameID(), r3.Vector{},
		[]orbfeature.KeyPoint{{X: 320, Y: 240}},
		[]orbfeature.Descriptor{{0x01}})
	m.AddKeyFrame(kf)

	landmark := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 5}, kf.ID, 0)
	m.AddLandmark(landmark)
	kf.SetLandmarkAt(0, landmark.ID)

	ba := &recordingBA{poseShift: r3.Vector{X: 0.1}, pointShift: r3.Vector{Z: 0.2}}
	lm := &LocalMapping{ba: ba, cfg: DefaultConfig()}

	originalPoint := kf.Pose().Point()
	err := lm.runLocalBA(context.Background(), m, kf)

	test.That(t, err, test.ShouldBeNil)
	test.That(t, ba.called, test.ShouldBeTrue)
	test.That(t, kf.Pose().Point().X, test.ShouldAlmostEqual, originalPoint.X+0.1)
	test.That(t, landmark.Position().Z, test.ShouldAlmostEqual, 5.2)
}

// Scenario: a KeyFrame with no Intrinsics set (synthetic or partially
// constructed) never reaches the solver at all.
func TestRunLocalBASkipsKeyFrameWithoutIntrinsics(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	f := mapmodel.NewFrame(m.NextKeyFrameID(), 0, nil, nil)
	kf := mapmodel.NewKeyFrame(f.ID, m.ID, f, vocabulary.New(8))
	m.AddKeyFrame(kf)

	ba := &recordingBA{}
	lm := &LocalMapping{ba: ba, cfg: DefaultConfig()}

	err := lm.runLocalBA(context.Background(), m, kf)

	test.That(t, err, test.ShouldBeNil)
	test.That(t, ba.called, test.ShouldBeFalse)
}

// Scenario: processKeyFrame refuses to touch an erased Map or an
// already-bad KeyFrame, and never invokes the processed callback for
// either.
func TestProcessKeyFrameSkipsErasedMapOrBadKeyFrame(t *testing.T) {
	t.Run("erased map", func(t *testing.T) {
		db := mapmodel.NewMapDatabase()
		m := db.NewMap()
		kf := newKeyFrameAt(m, m.NextKeyFrameID(), r3.Vector{}, nil, nil)
		m.AddKeyFrame(kf)
		db.EraseMap(m.ID)

		called := false
		lm := New(logging.NewTestLogger(t), db, orbfeature.NewMatcher(), &recordingBA{}, DefaultConfig())
		lm.SetOnProcessed(func(uint64, uint64) { called = true })

		lm.processKeyFrame(context.Background(), queuedKeyFrame{mapID: m.ID, kfID: kf.ID})

		test.That(t, called, test.ShouldBeFalse)
	})

	t.Run("bad keyframe", func(t *testing.T) {
		db := mapmodel.NewMapDatabase()
		m := db.NewMap()
		kf := newKeyFrameAt(m, m.NextKeyFrameID(), r3.Vector{}, nil, nil)
		m.AddKeyFrame(kf)
		kf.SetBad()

		called := false
		lm := New(logging.NewTestLogger(t), db, orbfeature.NewMatcher(), &recordingBA{}, DefaultConfig())
		lm.SetOnProcessed(func(uint64, uint64) { called = true })

		lm.processKeyFrame(context.Background(), queuedKeyFrame{mapID: m.ID, kfID: kf.ID})

		test.That(t, called, test.ShouldBeFalse)
	})
}

// Scenario: the full per-KeyFrame pipeline, run with an empty queue so the
// idle-only steps (local BA, redundant-KeyFrame culling) also execute,
// triangulates a new Landmark from the covisible neighbor and reports the
// KeyFrame as processed exactly once.
func TestProcessKeyFrameRunsFullPipelineAndReportsProcessed(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()
	db.SetCurrent(m.ID)

	kfID := m.NextKeyFrameID()
	neighborID := m.NextKeyFrameID()

	kf := newKeyFrameAt(m, kfID, r3.Vector{},
		[]orbfeature.KeyPoint{{X: 320, Y: 240}, {X: 400, Y: 240}},
		[]orbfeature.Descriptor{{0x01}, {0xAA}})
	neighbor := newKeyFrameAt(m, neighborID, r3.Vector{X: 0.3},
		[]orbfeature.KeyPoint{{X: 290, Y: 240}, {X: 400, Y: 240}},
		[]orbfeature.Descriptor{{0x01}, {0xAA}})
	m.AddKeyFrame(kf)
	m.AddKeyFrame(neighbor)

	shared := mapmodel.NewLandmark(m.NextLandmarkID(), r3.Vector{Z: 50}, kf.ID, 1)
	shared.AddObservation(neighbor.ID, 1)
	m.AddLandmark(shared)
	kf.SetLandmarkAt(1, shared.ID)
	neighbor.SetLandmarkAt(1, shared.ID)

	var processedMap, processedKF uint64
	calls := 0
	lm := New(logging.NewTestLogger(t), db, orbfeature.NewMatcher(), &recordingBA{}, DefaultConfig())
	lm.SetOnProcessed(func(mapID, kfID uint64) {
		calls++
		processedMap, processedKF = mapID, kfID
	})

	lm.processKeyFrame(context.Background(), queuedKeyFrame{mapID: m.ID, kfID: kf.ID})

	test.That(t, calls, test.ShouldEqual, 1)
	test.That(t, processedMap, test.ShouldEqual, m.ID)
	test.That(t, processedKF, test.ShouldEqual, kf.ID)
	test.That(t, kf.LandmarkAt(0), test.ShouldNotEqual, uint64(0))
	test.That(t, neighbor.LandmarkAt(0), test.ShouldEqual, kf.LandmarkAt(0))
	test.That(t, kf.Weight(neighbor.ID), test.ShouldBeGreaterThan, 0)
}
