package nsolver

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

var testPoints3D = []r3.Vector{
	{X: -1, Y: -1, Z: 4},
	{X: -1, Y: 0, Z: 4.5},
	{X: -1, Y: 1, Z: 5},
	{X: 0, Y: -1, Z: 4.2},
	{X: 0, Y: 0, Z: 5.5},
	{X: 0, Y: 1, Z: 4.8},
	{X: 1, Y: -1, Z: 5.2},
	{X: 1, Y: 0, Z: 4.3},
	{X: 1, Y: 1, Z: 5.6},
	{X: -0.5, Y: 0.5, Z: 4.7},
	{X: 0.5, Y: -0.5, Z: 5.1},
	{X: 0.3, Y: 0.3, Z: 4.9},
}

var testIntr = &camera.Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func TestEssentialTwoViewSolverRecoversKnownPose(t *testing.T) {
	// Camera 1 is identity (world frame == camera 1 frame). Camera 2 is a
	// small rotation about Y plus a translation, expressed as its Tcw.
	q2 := quat.Number{Real: 0.9987502, Imag: 0, Jmag: 0.0499792, Kmag: 0}
	translation := r3.Vector{X: 0.3, Y: 0.05, Z: 0.1}
	pose2 := spatialmath.NewPose(translation, q2)

	var correspondences []TwoViewCorrespondence
	for _, p := range testPoints3D {
		u1, v1, ok1 := testIntr.Project(p)
		local2 := pose2.Transform(p)
		u2, v2, ok2 := testIntr.Project(local2)
		test.That(t, ok1 && ok2, test.ShouldBeTrue)
		correspondences = append(correspondences, TwoViewCorrespondence{U1: u1, V1: v1, U2: u2, V2: v2})
	}

	solver := &EssentialTwoViewSolver{Rand: rand.New(rand.NewSource(1))}
	result, err := solver.Recover(correspondences, testIntr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result, test.ShouldNotBeNil)

	test.That(t, spatialmath.QuaternionAlmostEqual(result.Pose.Orientation(), q2, 1e-4), test.ShouldBeTrue)

	gotDir := result.Pose.Point().Normalize()
	wantDir := translation.Normalize()
	test.That(t, gotDir.Dot(wantDir) > 0.999, test.ShouldBeTrue)

	inliers := 0
	for _, ok := range result.Inliers {
		if ok {
			inliers++
		}
	}
	test.That(t, inliers, test.ShouldBeGreaterThan, 7)
}

func TestDLTPnPSolverRecoversKnownPose(t *testing.T) {
	q := quat.Number{Real: 0.9950042, Imag: 0, Jmag: 0, Kmag: 0.0998334}
	translation := r3.Vector{X: 0.2, Y: -0.3, Z: 1.5}
	truth := spatialmath.NewPose(translation, q)

	var correspondences []PnPCorrespondence
	for _, p := range testPoints3D {
		local := truth.Transform(p)
		u, v, ok := testIntr.Project(local)
		test.That(t, ok, test.ShouldBeTrue)
		correspondences = append(correspondences, PnPCorrespondence{Point: p, U: u, V: v})
	}

	solver := &DLTPnPSolver{Rand: rand.New(rand.NewSource(1))}
	result, ok := solver.EstimateRANSAC(correspondences, testIntr, PnPRANSACParams{MinInliers: 8})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, result, test.ShouldNotBeNil)

	test.That(t, result.Pose.AlmostEqual(truth, 1e-3), test.ShouldBeTrue)
}

func TestHornSim3EstimatorRecoversKnownTransform(t *testing.T) {
	q := quat.Number{Real: 0.9689124, Imag: 0.2474040, Jmag: 0, Kmag: 0}
	truth := spatialmath.NewSimilarity(r3.Vector{X: 1, Y: 2, Z: -1}, q, 1.5)

	var correspondences []Sim3Correspondence
	for _, p := range testPoints3D {
		correspondences = append(correspondences, Sim3Correspondence{PointA: p, PointB: truth.Transform(p)})
	}

	estimator := &HornSim3Estimator{Rand: rand.New(rand.NewSource(1))}
	result, ok := estimator.EstimateRANSAC(correspondences, Sim3RANSACParams{MinInliers: 8})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, result, test.ShouldNotBeNil)

	test.That(t, result.Sim.AlmostEqual(truth, 1e-3), test.ShouldBeTrue)
}
