package camera

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testIntrinsics() *Intrinsics {
	return &Intrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 320, Cy: 240}
}

func TestCheckValidRejectsMissingFocalLength(t *testing.T) {
	in := testIntrinsics()
	in.Fx = 0
	test.That(t, in.CheckValid(), test.ShouldNotBeNil)
}

func TestCheckValidRejectsNil(t *testing.T) {
	var in *Intrinsics
	test.That(t, in.CheckValid(), test.ShouldNotBeNil)
}

func TestProjectUnprojectRoundTrip(t *testing.T) {
	in := testIntrinsics()
	p := r3.Vector{X: 0.3, Y: -0.2, Z: 2.0}

	u, v, ok := in.Project(p)
	test.That(t, ok, test.ShouldBeTrue)

	back := in.Unproject(u, v, p.Z)
	test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestProjectRejectsBehindCamera(t *testing.T) {
	in := testIntrinsics()
	_, _, ok := in.Project(r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestBearingIsUnitNorm(t *testing.T) {
	in := testIntrinsics()
	b := in.Bearing(400, 300)
	test.That(t, b.Norm(), test.ShouldAlmostEqual, 1.0)
}

func TestUndistortNoDistortionIsIdentity(t *testing.T) {
	m := &Model{Intrinsics: testIntrinsics(), Distortion: &Distortion{}}
	u, v := m.UndistortPixel(410, 250)
	test.That(t, u, test.ShouldAlmostEqual, 410.0)
	test.That(t, v, test.ShouldAlmostEqual, 250.0)
}
