// Package spatialmath implements the rigid-transform and similarity-transform
// math shared by Tracking, LocalMapping, LoopClosing and MapMerging: camera
// poses (Tcw, world->camera), their composition/inversion, and the 7-DoF
// Sim(3) transforms used to fuse distinct maps.
package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform (rotation + translation), represented internally
// as a unit dual quaternion so that Compose, Invert and Transform are total
// functions rather than partial operations on raw 4x4 matrices.
type Pose struct {
	dq *dualQuaternion
}

// NewPose builds a Pose from a translation and a rotation quaternion. The
// rotation quaternion need not be pre-normalized.
func NewPose(point r3.Vector, orientation quat.Number) Pose {
	dq := newDualQuaternionFromRotation(orientation)
	dq.setTranslation(point.X, point.Y, point.Z)
	return Pose{dq: dq}
}

// NewZeroPose returns the identity rigid transform.
func NewZeroPose() Pose {
	return Pose{dq: newDualQuaternion()}
}

// Orientation returns the rotation component as a unit quaternion.
func (p Pose) Orientation() quat.Number {
	return p.dq.rotation()
}

// Point returns the translation component.
func (p Pose) Point() r3.Vector {
	t := p.dq.translation()
	return r3.Vector{X: t.Dual.Imag, Y: t.Dual.Jmag, Z: t.Dual.Kmag}
}

// Compose returns the rigid transform equivalent to applying p first and
// then other: p.Compose(other) transforms a point the same way as
// other.Transform(p.Transform(x)).
func (p Pose) Compose(other Pose) Pose {
	return Pose{dq: &dualQuaternion{Quat: other.dq.transformBy(p.dq.Quat)}}
}

// Invert returns the inverse rigid transform.
func (p Pose) Invert() Pose {
	inv := RotationMatrixFromQuaternion(p.dq.rotation()).T()
	invQuat := QuaternionFromRotationMatrix(inv)
	invPoint := r3.Vector{}.Sub(rotateByMatrix(inv, p.Point()))
	return NewPose(invPoint, invQuat)
}

// Transform applies the rigid transform to a point: rotate then translate.
func (p Pose) Transform(point r3.Vector) r3.Vector {
	rotated := rotateByMatrix(RotationMatrixFromQuaternion(p.dq.rotation()), point)
	return rotated.Add(p.Point())
}

// AlmostEqual reports whether two poses are equal to within eps in both
// translation and rotation.
func (p Pose) AlmostEqual(other Pose, eps float64) bool {
	return p.Point().Sub(other.Point()).Norm() <= eps && QuaternionAlmostEqual(p.Orientation(), other.Orientation(), eps)
}
