// Package camera holds the pinhole projection model and lens distortion
// used to turn 2D keypoints into 3D bearing directions and back: the
// geometry Tracking and LocalMapping need to triangulate landmarks and to
// search for a landmark's projection in a new frame.
package camera

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is returned when a camera has no calibrated intrinsics.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError wraps ErrNoIntrinsics with additional context.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// Intrinsics holds the parameters of the pinhole projection: focal lengths
// and principal point, in pixels, plus the image resolution they were
// calibrated at.
type Intrinsics struct {
	Width  int     `yaml:"width" json:"width_px"`
	Height int     `yaml:"height" json:"height_px"`
	Fx     float64 `yaml:"fx" json:"fx"`
	Fy     float64 `yaml:"fy" json:"fy"`
	Cx     float64 `yaml:"cx" json:"ppx"`
	Cy     float64 `yaml:"cy" json:"ppy"`
}

// CheckValid reports whether the intrinsics are usable.
func (in *Intrinsics) CheckValid() error {
	if in == nil {
		return NewNoIntrinsicsError("intrinsics do not exist")
	}
	if in.Width <= 0 || in.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid size (%d, %d)", in.Width, in.Height))
	}
	if in.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid focal length fx = %v", in.Fx))
	}
	if in.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid focal length fy = %v", in.Fy))
	}
	return nil
}

// Matrix returns the 3x3 camera intrinsic matrix
//
//	[[fx  0 cx]
//	 [ 0 fy cy]
//	 [ 0  0  1]]
func (in *Intrinsics) Matrix() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	m.Set(0, 0, in.Fx)
	m.Set(1, 1, in.Fy)
	m.Set(0, 2, in.Cx)
	m.Set(1, 2, in.Cy)
	m.Set(2, 2, 1)
	return m
}

// Project projects a 3D point, expressed in the camera frame, onto the
// image plane. The returned bool is false when the point is behind the
// camera and has no valid projection.
func (in *Intrinsics) Project(p r3.Vector) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	u = in.Fx*p.X/p.Z + in.Cx
	v = in.Fy*p.Y/p.Z + in.Cy
	return u, v, true
}

// Unproject turns a pixel plus depth (in the camera frame) into a 3D point
// in the camera frame. Depth is optional monocular scale information (e.g.
// from triangulation), not from a range sensor.
func (in *Intrinsics) Unproject(u, v, depth float64) r3.Vector {
	x := (u - in.Cx) / in.Fx * depth
	y := (v - in.Cy) / in.Fy * depth
	return r3.Vector{X: x, Y: y, Z: depth}
}

// Bearing returns the unit-norm direction, in the camera frame, that a
// pixel corresponds to. Used to compute parallax angle between two
// observations of the same landmark for triangulation and to reject
// low-parallax pairs.
func (in *Intrinsics) Bearing(u, v float64) r3.Vector {
	x := (u - in.Cx) / in.Fx
	y := (v - in.Cy) / in.Fy
	norm := math.Sqrt(x*x + y*y + 1)
	return r3.Vector{X: x / norm, Y: y / norm, Z: 1 / norm}
}
