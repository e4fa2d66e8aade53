package tracking

import (
	"context"
	"image"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/localmapping"
	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

// scriptedExtractor returns one pre-built (keypoints, descriptors) pair per
// call, holding on the last entry once exhausted.
type scriptedExtractor struct {
	idx   int
	kps   [][]orbfeature.KeyPoint
	descs [][]orbfeature.Descriptor
}

func (e *scriptedExtractor) Extract(_ *image.Gray) ([]orbfeature.KeyPoint, []orbfeature.Descriptor, error) {
	i := e.idx
	if i >= len(e.kps) {
		i = len(e.kps) - 1
	}
	e.idx++
	return e.kps[i], e.descs[i], nil
}

// scriptedTwoView returns a fixed TwoViewResult regardless of input,
// standing in for the RANSAC essential-matrix solver in initialization
// tests that need a deterministic outcome.
type scriptedTwoView struct {
	result *nsolver.TwoViewResult
	err    error
}

func (s *scriptedTwoView) Recover(_ []nsolver.TwoViewCorrespondence, _ *camera.Intrinsics) (*nsolver.TwoViewResult, error) {
	return s.result, s.err
}

// passthroughBA accepts every observation, echoing the input cameras and
// points back unchanged.
type passthroughBA struct{}

func (passthroughBA) Optimize(_ context.Context, problem *nsolver.BAProblem) (*nsolver.BAResult, error) {
	return &nsolver.BAResult{
		Cameras:  problem.Cameras,
		Points:   problem.Points,
		Outliers: make(map[int]bool, len(problem.Observations)),
	}, nil
}

// fakeRelocalizer records the most recent RequestGlobal call instead of
// actually searching the KeyFrameDatabase.
type fakeRelocalizer struct {
	called bool
	frame  *mapmodel.Frame
}

func (f *fakeRelocalizer) RequestGlobal(frame *mapmodel.Frame) {
	f.called = true
	f.frame = frame
}

func testIntrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}
}

func testImage() *image.Gray {
	return image.NewGray(image.Rect(0, 0, 10, 10))
}

func newTestLocalMapping(t *testing.T, db *mapmodel.MapDatabase, matcher orbfeature.Matcher) *localmapping.LocalMapping {
	t.Helper()
	return localmapping.New(logging.NewTestLogger(t), db, matcher, passthroughBA{}, localmapping.DefaultConfig())
}

// Scenario: cold start. The first pushed frame has enough keypoints to
// become the INITIALIZING reference frame.
func TestColdStartBecomesReferenceFrameOnceEnoughKeypoints(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	intr := testIntrinsics()

	kps := make([]orbfeature.KeyPoint, 120)
	descs := make([]orbfeature.Descriptor, 120)
	for i := range kps {
		kps[i] = orbfeature.KeyPoint{X: float64(i), Y: float64(i)}
		descs[i] = orbfeature.Descriptor{byte(i)}
	}
	extractor := &scriptedExtractor{kps: [][]orbfeature.KeyPoint{kps}, descs: [][]orbfeature.Descriptor{descs}}
	matcher := orbfeature.NewMatcher()

	cfg := DefaultConfig(18)
	cfg.InitMinKeypoints = 100

	tr := &Tracking{
		logger:       logging.NewTestLogger(t),
		db:           db,
		voc:          vocabulary.New(8),
		extractor:    extractor,
		matcher:      matcher,
		twoView:      &scriptedTwoView{},
		ba:           passthroughBA{},
		localMapping: newTestLocalMapping(t, db, matcher),
		model:        &camera.Model{Intrinsics: intr},
		cfg:          cfg,
		state:        StateNoImagesYet,
	}

	tr.processImage(context.Background(), testImage(), 1)

	test.That(t, tr.State(), test.ShouldEqual, StateInitializing)
	test.That(t, tr.referenceFrame, test.ShouldNotBeNil)
	test.That(t, tr.referenceFrame.KeyPoints, test.ShouldHaveLength, 120)
}

// Scenario: clean initialization. A second frame with enough two-view
// correspondences and inlier depth promotes both frames to KeyFrames in a
// brand-new, current Map.
func TestCleanInitializationPromotesTwoKeyFramesWithLandmarks(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	intr := testIntrinsics()

	refFrame := mapmodel.NewFrame(1, 1, intr, nil)
	refFrame.KeyPoints = []orbfeature.KeyPoint{{X: 100, Y: 100}, {X: 200, Y: 150}}
	refFrame.Descriptors = []orbfeature.Descriptor{{0x01}, {0x02}}

	curKps := []orbfeature.KeyPoint{{X: 105, Y: 102}, {X: 205, Y: 151}}
	curDescs := []orbfeature.Descriptor{{0x01}, {0x02}}
	extractor := &scriptedExtractor{
		kps:   [][]orbfeature.KeyPoint{curKps},
		descs: [][]orbfeature.Descriptor{curDescs},
	}
	matcher := orbfeature.NewMatcher()

	twoViewResult := &nsolver.TwoViewResult{
		Pose:    spatialmath.NewPose(r3.Vector{X: 1}, quat.Number{Real: 1}),
		Points:  []r3.Vector{{X: 0, Y: 0, Z: 2}, {X: 0.1, Y: 0.1, Z: 3}},
		Inliers: []bool{true, true},
	}

	cfg := DefaultConfig(18)
	cfg.InitMinKeypoints = 1
	cfg.InitMinMatches = 2
	cfg.InitMinTrackedLandmarks = 2
	cfg.DescriptorMatchThreshold = 64

	tr := &Tracking{
		logger:         logging.NewTestLogger(t),
		db:             db,
		voc:            vocabulary.New(8),
		extractor:      extractor,
		matcher:        matcher,
		twoView:        &scriptedTwoView{result: twoViewResult},
		ba:             passthroughBA{},
		localMapping:   newTestLocalMapping(t, db, matcher),
		model:          &camera.Model{Intrinsics: intr},
		cfg:            cfg,
		state:          StateInitializing,
		referenceFrame: refFrame,
	}

	tr.processImage(context.Background(), testImage(), 2)

	test.That(t, tr.State(), test.ShouldEqual, StateWorking)
	m, ok := db.Current()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, m.KeyFrameCount(), test.ShouldEqual, 2)
	test.That(t, m.Landmarks(), test.ShouldHaveLength, 2)
}

// Scenario: motion-model tracking. With a trusted velocity and an already
// WORKING Map, the next frame's pose is recovered purely by projecting the
// previous frame's Landmarks through the predicted pose, with no new
// KeyFrame inserted.
func TestMotionModelTrackingUpdatesPoseViaProjection(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()
	intr := testIntrinsics()

	landmarkDesc := orbfeature.Descriptor{0xAA}
	landmark := mapmodel.NewLandmark(1, r3.Vector{X: 0, Y: 0, Z: 5}, 10, 0)
	landmark.SetDescriptor(landmarkDesc)
	m.AddLandmark(landmark)

	kf1Frame := mapmodel.NewFrame(10, 1, intr, nil)
	kf1Frame.KeyPoints = []orbfeature.KeyPoint{{X: 320, Y: 240}}
	kf1Frame.Descriptors = []orbfeature.Descriptor{landmarkDesc}
	kf1Frame.SetPose(spatialmath.NewZeroPose())
	kf1 := mapmodel.NewKeyFrame(10, m.ID, kf1Frame, vocabulary.New(8))
	kf1.SetLandmarkAt(0, 1)
	m.AddKeyFrame(kf1)

	lastFrame := mapmodel.NewFrame(100, 2, intr, nil)
	lastFrame.KeyPoints = []orbfeature.KeyPoint{{X: 320, Y: 240}}
	lastFrame.Descriptors = []orbfeature.Descriptor{landmarkDesc}
	lastFrame.Landmarks = []uint64{1}
	lastFrame.Outliers = []bool{false}
	lastFrame.SetPose(spatialmath.NewZeroPose())

	extractor := &scriptedExtractor{
		kps:   [][]orbfeature.KeyPoint{{{X: 321, Y: 241}}},
		descs: [][]orbfeature.Descriptor{{landmarkDesc}},
	}
	matcher := orbfeature.NewMatcher()

	cfg := DefaultConfig(100)
	cfg.UseMotionModel = true
	cfg.MotionModelMinKeyFrames = 1
	cfg.MotionModelMinFramesSinceReloc = 0
	cfg.MotionModelSearchRadius = 50
	cfg.WindowSearchRadiusFine = 100
	cfg.WindowSearchMinMatches = 1
	cfg.LocalMapInliersNormal = 1
	cfg.LocalMapInliersAfterReloc = 1
	cfg.DescriptorMatchThreshold = 64

	tr := &Tracking{
		logger:       logging.NewTestLogger(t),
		db:           db,
		voc:          vocabulary.New(8),
		extractor:    extractor,
		matcher:      matcher,
		twoView:      &scriptedTwoView{},
		ba:           passthroughBA{},
		localMapping: newTestLocalMapping(t, db, matcher),
		model:        &camera.Model{Intrinsics: intr},
		cfg:          cfg,
		state:        StateWorking,
		mapID:        m.ID,
		lastFrame:    lastFrame,
		velocity:     spatialmath.NewZeroPose(),
		hasVelocity:  true,
	}
	db.SetCurrent(m.ID)

	tr.processImage(context.Background(), testImage(), 3)

	test.That(t, tr.State(), test.ShouldEqual, StateWorking)
	pose, ok := tr.lastFrame.GetPose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Point().X, test.ShouldAlmostEqual, 0.0)
	test.That(t, tr.lastFrame.LandmarkAt(0), test.ShouldEqual, uint64(1))
	test.That(t, m.KeyFrameCount(), test.ShouldEqual, 1)
}

// Scenario: keyframe promotion. Once enough frames have passed since the
// last KeyFrame and LocalMapping is idle, a tracked frame with sufficient
// inliers is promoted into a new KeyFrame.
func TestKeyframeInsertedOncePromotionCriteriaAreMet(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()
	intr := testIntrinsics()

	landmarkDesc := orbfeature.Descriptor{0xAA}
	landmark := mapmodel.NewLandmark(1, r3.Vector{X: 0, Y: 0, Z: 5}, 10, 0)
	landmark.SetDescriptor(landmarkDesc)
	m.AddLandmark(landmark)

	kf1Frame := mapmodel.NewFrame(10, 1, intr, nil)
	kf1Frame.KeyPoints = []orbfeature.KeyPoint{{X: 320, Y: 240}}
	kf1Frame.Descriptors = []orbfeature.Descriptor{landmarkDesc}
	kf1Frame.SetPose(spatialmath.NewZeroPose())
	kf1 := mapmodel.NewKeyFrame(10, m.ID, kf1Frame, vocabulary.New(8))
	kf1.SetLandmarkAt(0, 1)
	m.AddKeyFrame(kf1)

	lastFrame := mapmodel.NewFrame(100, 2, intr, nil)
	lastFrame.KeyPoints = []orbfeature.KeyPoint{{X: 320, Y: 240}}
	lastFrame.Descriptors = []orbfeature.Descriptor{landmarkDesc}
	lastFrame.Landmarks = []uint64{1}
	lastFrame.Outliers = []bool{false}
	lastFrame.SetPose(spatialmath.NewZeroPose())

	extractor := &scriptedExtractor{
		kps:   [][]orbfeature.KeyPoint{{{X: 321, Y: 241}}},
		descs: [][]orbfeature.Descriptor{{landmarkDesc}},
	}
	matcher := orbfeature.NewMatcher()
	lm := newTestLocalMapping(t, db, matcher)
	lm.RequestReset() // forces IsIdle() true without running the worker loop

	cfg := DefaultConfig(5)
	cfg.UseMotionModel = true
	cfg.MotionModelMinKeyFrames = 1
	cfg.MotionModelMinFramesSinceReloc = 0
	cfg.MotionModelSearchRadius = 50
	cfg.WindowSearchRadiusFine = 100
	cfg.WindowSearchMinMatches = 1
	cfg.LocalMapInliersNormal = 1
	cfg.LocalMapInliersAfterReloc = 1
	cfg.DescriptorMatchThreshold = 64
	cfg.KeyframeMinInliers = 0
	cfg.KeyframeInlierRatio = 0.9

	tr := &Tracking{
		logger:              logging.NewTestLogger(t),
		db:                  db,
		voc:                 vocabulary.New(8),
		extractor:           extractor,
		matcher:             matcher,
		twoView:             &scriptedTwoView{},
		ba:                  passthroughBA{},
		localMapping:        lm,
		model:               &camera.Model{Intrinsics: intr},
		cfg:                 cfg,
		state:               StateWorking,
		mapID:               m.ID,
		lastFrame:           lastFrame,
		velocity:            spatialmath.NewZeroPose(),
		hasVelocity:         true,
		framesSinceKeyFrame: 10,
	}
	db.SetCurrent(m.ID)

	tr.processImage(context.Background(), testImage(), 3)

	test.That(t, tr.State(), test.ShouldEqual, StateWorking)
	test.That(t, m.KeyFrameCount(), test.ShouldEqual, 2)
	test.That(t, tr.referenceKeyFrameID, test.ShouldNotEqual, uint64(0))
	test.That(t, tr.referenceKeyFrameID, test.ShouldNotEqual, uint64(10))
	test.That(t, tr.framesSinceKeyFrame, test.ShouldEqual, 1)
}

// Scenario: tracking loss and inline relocalization. Losing tracking with
// a Map that never grew past 5 KeyFrames erases it and requests a global
// relocalization; a subsequent CommitRelocalization resumes WORKING
// against the candidate Map.
func TestTrackingLossRequestsRelocalizationThenCommitResumesWorking(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()
	kf := mapmodel.NewKeyFrame(m.NextKeyFrameID(), m.ID, mapmodel.NewFrame(1, 0, testIntrinsics(), nil), vocabulary.New(8))
	m.AddKeyFrame(kf)
	db.SetCurrent(m.ID)

	reloc := &fakeRelocalizer{}
	extractor := &scriptedExtractor{
		kps:   [][]orbfeature.KeyPoint{{{X: 1, Y: 1}}},
		descs: [][]orbfeature.Descriptor{{{0x00}}},
	}
	matcher := orbfeature.NewMatcher()

	tr := &Tracking{
		logger:       logging.NewTestLogger(t),
		db:           db,
		voc:          vocabulary.New(8),
		extractor:    extractor,
		matcher:      matcher,
		twoView:      &scriptedTwoView{},
		ba:           passthroughBA{},
		localMapping: newTestLocalMapping(t, db, matcher),
		model:        &camera.Model{Intrinsics: testIntrinsics()},
		cfg:          DefaultConfig(18),
		state:        StateWorking,
		mapID:        m.ID,
		lastFrame:    nil, // forces estimateInitialPose to fail immediately
	}
	tr.SetRelocalizer(reloc)

	tr.processImage(context.Background(), testImage(), 1)

	test.That(t, tr.State(), test.ShouldEqual, StateNotInitialized)
	test.That(t, tr.relocalizing, test.ShouldBeTrue)
	test.That(t, m.IsErased(), test.ShouldBeTrue)
	test.That(t, reloc.called, test.ShouldBeTrue)

	m2 := db.NewMap()
	kf2Frame := mapmodel.NewFrame(2, 0, testIntrinsics(), nil)
	kf2 := mapmodel.NewKeyFrame(m2.NextKeyFrameID(), m2.ID, kf2Frame, vocabulary.New(8))
	m2.AddKeyFrame(kf2)

	recoveredPose := spatialmath.NewPose(r3.Vector{X: 5}, quat.Number{Real: 1})
	tr.CommitRelocalization(m2.ID, kf2.ID, recoveredPose, reloc.frame)

	test.That(t, tr.State(), test.ShouldEqual, StateWorking)
	test.That(t, tr.relocalizing, test.ShouldBeFalse)
	current, ok := db.Current()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, current.ID, test.ShouldEqual, m2.ID)
	test.That(t, tr.referenceKeyFrameID, test.ShouldEqual, kf2.ID)
}

// Scenario: map erase on early loss. Losing tracking with 5 or fewer
// KeyFrames erases the Map; losing tracking with more KeyFrames keeps it.
func TestLoseTrackingOnlyErasesMapsWithFiveOrFewerKeyFrames(t *testing.T) {
	frame := mapmodel.NewFrame(1, 0, testIntrinsics(), nil)

	t.Run("erases a small map", func(t *testing.T) {
		db := mapmodel.NewMapDatabase()
		m := db.NewMap()
		for i := 0; i < 3; i++ {
			kf := mapmodel.NewKeyFrame(m.NextKeyFrameID(), m.ID, mapmodel.NewFrame(uint64(i+1), 0, testIntrinsics(), nil), vocabulary.New(8))
			m.AddKeyFrame(kf)
		}
		db.SetCurrent(m.ID)

		tr := &Tracking{logger: logging.NewTestLogger(t), db: db, state: StateWorking}
		tr.SetRelocalizer(&fakeRelocalizer{})

		tr.loseTracking(frame)

		test.That(t, m.IsErased(), test.ShouldBeTrue)
		test.That(t, tr.State(), test.ShouldEqual, StateNotInitialized)
	})

	t.Run("keeps a map that grew past five keyframes", func(t *testing.T) {
		db := mapmodel.NewMapDatabase()
		m := db.NewMap()
		for i := 0; i < 6; i++ {
			kf := mapmodel.NewKeyFrame(m.NextKeyFrameID(), m.ID, mapmodel.NewFrame(uint64(i+1), 0, testIntrinsics(), nil), vocabulary.New(8))
			m.AddKeyFrame(kf)
		}
		db.SetCurrent(m.ID)

		tr := &Tracking{logger: logging.NewTestLogger(t), db: db, state: StateWorking}
		tr.SetRelocalizer(&fakeRelocalizer{})

		tr.loseTracking(frame)

		test.That(t, m.IsErased(), test.ShouldBeFalse)
		test.That(t, tr.State(), test.ShouldEqual, StateNotInitialized)
	})
}
