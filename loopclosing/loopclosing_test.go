package loopclosing

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

func testLoopClosing() *LoopClosing {
	return &LoopClosing{
		cfg:    DefaultConfig(),
		groups: map[uint64][]*consistentGroup{},
	}
}

func TestOverlapsDetectsSharedMember(t *testing.T) {
	a := map[uint64]bool{1: true, 2: true}
	b := map[uint64]bool{2: true, 3: true}
	test.That(t, overlaps(a, b), test.ShouldBeTrue)
	test.That(t, overlaps(a, map[uint64]bool{3: true}), test.ShouldBeFalse)
}

func TestCheckConsistencyRequiresStreakBeforeAccepting(t *testing.T) {
	lc := testLoopClosing()
	lc.cfg.ConsistentGroupSize = 3

	test.That(t, lc.checkConsistency(1, []uint64{10, 11}), test.ShouldBeNil)
	test.That(t, lc.checkConsistency(1, []uint64{11, 12}), test.ShouldBeNil)
	group := lc.checkConsistency(1, []uint64{12, 13})
	test.That(t, group, test.ShouldNotBeNil)
}

func TestCheckConsistencyUnrelatedCandidateRestartsStreak(t *testing.T) {
	lc := testLoopClosing()
	lc.cfg.ConsistentGroupSize = 2

	test.That(t, lc.checkConsistency(1, []uint64{10}), test.ShouldBeNil)
	// An unrelated candidate set shares no members, so it starts its own
	// streak instead of continuing the first group's.
	test.That(t, lc.checkConsistency(1, []uint64{99}), test.ShouldBeNil)
	group := lc.checkConsistency(1, []uint64{99})
	test.That(t, group, test.ShouldNotBeNil)
	test.That(t, group, test.ShouldResemble, []uint64{99})
}

func TestEdgeKeyIsOrderIndependent(t *testing.T) {
	test.That(t, edgeKey(1, 2), test.ShouldResemble, edgeKey(2, 1))
	test.That(t, edgeKey(1, 2), test.ShouldResemble, [2]uint64{1, 2})
}

func testKeyFrameWithDescriptor(id, mapID uint64, pose spatialmath.Pose, d orbfeature.Descriptor) *mapmodel.KeyFrame {
	intr := &camera.Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}
	frame := mapmodel.NewFrame(id, float64(id), intr, &camera.Distortion{})
	frame.Descriptors = []orbfeature.Descriptor{d}
	frame.KeyPoints = []orbfeature.KeyPoint{{X: 1, Y: 1}}
	frame.Landmarks = []uint64{0}
	frame.Outliers = []bool{false}
	frame.SetPose(pose)
	kf := mapmodel.NewKeyFrame(id, mapID, frame, vocabulary.New(1))
	kf.SetPose(pose)
	return kf
}

func TestFindDuplicateMatchesNearestDescriptorWithinRadius(t *testing.T) {
	lc := testLoopClosing()
	lc.cfg.FuseSearchRadius = 1.0
	lc.cfg.DescriptorMatchThreshold = 64

	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	near := mapmodel.NewLandmark(1, r3.Vector{X: 0, Y: 0, Z: 0}, 100, 0)
	near.SetDescriptor(orbfeature.Descriptor{0x00, 0x00})
	m.AddLandmark(near)

	far := mapmodel.NewLandmark(2, r3.Vector{X: 10, Y: 10, Z: 10}, 100, 0)
	far.SetDescriptor(orbfeature.Descriptor{0x00, 0x00})
	m.AddLandmark(far)

	query := orbfeature.Descriptor{0x00, 0x01}
	id, ok := lc.findDuplicate(m, query, r3.Vector{X: 0.1, Y: 0, Z: 0}, 999)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, uint64(1))
}

func TestFindDuplicateExcludesGivenLandmark(t *testing.T) {
	lc := testLoopClosing()
	lc.cfg.FuseSearchRadius = 1.0
	lc.cfg.DescriptorMatchThreshold = 64

	db := mapmodel.NewMapDatabase()
	m := db.NewMap()
	l := mapmodel.NewLandmark(1, r3.Vector{}, 100, 0)
	l.SetDescriptor(orbfeature.Descriptor{0x00})
	m.AddLandmark(l)

	_, ok := lc.findDuplicate(m, orbfeature.Descriptor{0x00}, r3.Vector{}, 1)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestBuildEdgesIncludesSpanningTreeCovisibilityAndLoopEdges(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	identity := spatialmath.NewZeroPose()
	offset := spatialmath.NewPose(r3.Vector{X: 1}, quat.Number{Real: 1})

	parent := testKeyFrameWithDescriptor(1, m.ID, identity, orbfeature.Descriptor{0x01})
	child := testKeyFrameWithDescriptor(2, m.ID, offset, orbfeature.Descriptor{0x02})
	loopPartner := testKeyFrameWithDescriptor(3, m.ID, offset, orbfeature.Descriptor{0x03})

	child.SetParent(1)
	parent.AddChild(2)
	child.AddLoopEdge(3)
	loopPartner.AddLoopEdge(2)

	m.AddKeyFrame(parent)
	m.AddKeyFrame(child)
	m.AddKeyFrame(loopPartner)

	edges := buildEdges(m.AllKeyFrames())

	hasEdge := func(a, b uint64) bool {
		for _, e := range edges {
			if edgeKey(e.From, e.To) == edgeKey(a, b) {
				return true
			}
		}
		return false
	}
	test.That(t, hasEdge(1, 2), test.ShouldBeTrue)
	test.That(t, hasEdge(2, 3), test.ShouldBeTrue)
}

type fakePoseGraphOptimizer struct {
	nodes []nsolver.SimNode
}

func (f *fakePoseGraphOptimizer) Optimize(_ context.Context, nodes []nsolver.SimNode, _ []nsolver.SimEdge) (*nsolver.PoseGraphResult, error) {
	f.nodes = nodes
	return &nsolver.PoseGraphResult{Nodes: nodes}, nil
}

func TestRunPoseGraphOptimizationAnchorsLowestIDKeyFrame(t *testing.T) {
	db := mapmodel.NewMapDatabase()
	m := db.NewMap()

	identity := spatialmath.NewZeroPose()
	offset := spatialmath.NewPose(r3.Vector{X: 2}, quat.Number{Real: 1})

	kfLow := testKeyFrameWithDescriptor(5, m.ID, identity, orbfeature.Descriptor{0x01})
	kfHigh := testKeyFrameWithDescriptor(7, m.ID, offset, orbfeature.Descriptor{0x02})
	kfHigh.SetParent(5)
	kfLow.AddChild(7)
	m.AddKeyFrame(kfLow)
	m.AddKeyFrame(kfHigh)

	fake := &fakePoseGraphOptimizer{}
	err := RunPoseGraphOptimization(context.Background(), fake, m)
	test.That(t, err, test.ShouldBeNil)

	var anchoredID uint64
	for _, n := range fake.nodes {
		if n.Fixed {
			anchoredID = n.ID
		}
	}
	test.That(t, anchoredID, test.ShouldEqual, uint64(5))
}
