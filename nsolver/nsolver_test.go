package nsolver

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/spatialmath"
)

func TestCameraParamsRoundTrip(t *testing.T) {
	pose := spatialmath.NewPose(r3.Vector{X: 1, Y: -2, Z: 0.5}, quat.Number{Real: 1, Imag: 0.1, Jmag: 0, Kmag: 0})
	params := cameraParams(pose)
	back := poseFromParams(params[:])

	test.That(t, back.AlmostEqual(pose, 1e-9), test.ShouldBeTrue)
}

func TestReprojectionCostZeroForExactObservation(t *testing.T) {
	cam := CameraBlock{ID: 1, Pose: spatialmath.NewZeroPose()}
	pt := PointBlock{ID: 2, Position: r3.Vector{X: 0, Y: 0, Z: 2}}

	problem := &BAProblem{
		Cameras: []CameraBlock{cam},
		Points:  []PointBlock{pt},
		Fx:      500, Fy: 500, Cx: 320, Cy: 240,
		Chi2Threshold: 5.991,
	}
	u, v, ok := (&testIntrinsics{fx: 500, fy: 500, cx: 320, cy: 240}).project(pt.Position)
	test.That(t, ok, test.ShouldBeTrue)
	problem.Observations = []Observation{{CameraID: 1, PointID: 2, U: u, V: v, InvSigma2: 1}}

	cost := reprojectionCost(problem, problem.Cameras, problem.Points, map[uint64]int{1: 0}, map[uint64]int{2: 0}, map[int]bool{})
	test.That(t, cost, test.ShouldBeLessThan, 1e-9)
}

type testIntrinsics struct{ fx, fy, cx, cy float64 }

func (ti *testIntrinsics) project(p r3.Vector) (float64, float64, bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	return ti.fx*p.X/p.Z + ti.cx, ti.fy*p.Y/p.Z + ti.cy, true
}
