package trajectory

import (
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/spatialmath"
)

func TestWriteToSortsByID(t *testing.T) {
	e1 := Entry{ID: 2, Timestamp: 1.0, Pose: spatialmath.NewZeroPose()}
	e2 := Entry{ID: 1, Timestamp: 0.5, Pose: spatialmath.NewZeroPose()}

	var buf strings.Builder
	test.That(t, WriteTo(&buf, []Entry{e1, e2}), test.ShouldBeNil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 2)
	test.That(t, strings.HasPrefix(lines[0], "0.500000"), test.ShouldBeTrue)
	test.That(t, strings.HasPrefix(lines[1], "1.000000"), test.ShouldBeTrue)
}

func TestWriteToFormatsDecimals(t *testing.T) {
	pose := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, quat.Number{Real: 1})
	e := Entry{ID: 1, Timestamp: 12.3, Pose: pose}

	var buf strings.Builder
	test.That(t, WriteTo(&buf, []Entry{e}), test.ShouldBeNil)

	fields := strings.Fields(buf.String())
	test.That(t, len(fields), test.ShouldEqual, 8)
	test.That(t, fields[0], test.ShouldEqual, "12.300000")
}

func TestWriteToUsesCameraCenterInWorldFrame(t *testing.T) {
	// Tcw translates by (5,0,0) with identity rotation: the camera sits at
	// world (-5,0,0), so Twc's translation (the camera center) is (-5,0,0).
	pose := spatialmath.NewPose(r3.Vector{X: 5, Y: 0, Z: 0}, quat.Number{Real: 1})
	e := Entry{ID: 1, Timestamp: 0, Pose: pose}

	var buf strings.Builder
	test.That(t, WriteTo(&buf, []Entry{e}), test.ShouldBeNil)

	fields := strings.Fields(buf.String())
	test.That(t, fields[1], test.ShouldEqual, "-5.0000000")
}
