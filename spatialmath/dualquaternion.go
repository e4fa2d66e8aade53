package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// dualQuaternion defines the low-level rigid-transform algebra that Pose and
// Similarity are built on: a unit dual quaternion whose real part is the
// rotation and whose dual part encodes the translation relative to that
// rotation.
type dualQuaternion struct {
	Quat dualquat.Number
}

// newDualQuaternion returns a dualQuaternion representing the identity
// transform. Since the real part of a dual quaternion must be a unit
// quaternion, not all zeroes, this should be used instead of the zero value.
func newDualQuaternion() *dualQuaternion {
	return &dualQuaternion{dualquat.Number{
		Real: quat.Number{Real: 1},
		Dual: quat.Number{},
	}}
}

// newDualQuaternionFromRotation builds a dualQuaternion whose rotation is
// the given (not necessarily normalized) quaternion and whose translation is
// zero.
func newDualQuaternionFromRotation(rotation quat.Number) *dualQuaternion {
	norm := quat.Abs(rotation)
	if norm == 0 {
		rotation = quat.Number{Real: 1}
	} else {
		rotation = quat.Scale(1/norm, rotation)
	}
	return &dualQuaternion{dualquat.Number{Real: rotation}}
}

// clone returns a dualQuaternion identical to this one.
func (q *dualQuaternion) clone() *dualQuaternion {
	return &dualQuaternion{Quat: q.Quat}
}

// rotation returns the rotation quaternion.
func (q *dualQuaternion) rotation() quat.Number {
	return q.Quat.Real
}

// translation multiplies the dual quaternion by its own conjugate, which
// cancels the rotation and leaves a dual quaternion whose dual part is the
// translation in world units.
func (q *dualQuaternion) translation() dualquat.Number {
	return dualquat.Mul(q.Quat, dualquat.Conj(q.Quat))
}

// setTranslation sets the translation quaternion against the rotation.
func (q *dualQuaternion) setTranslation(x, y, z float64) {
	q.Quat.Dual = quat.Number{Imag: x / 2, Jmag: y / 2, Kmag: z / 2}
	q.rotate()
}

// rotate multiplies the dual part of the quaternion by the real part to give
// the correct rotation-adjusted translation encoding.
func (q *dualQuaternion) rotate() {
	q.Quat.Dual = quat.Mul(q.Quat.Dual, q.Quat.Real)
}

// transformBy multiplies the dual quat contained in this dualQuaternion by
// another dual quat, composing the two rigid transforms.
func (q *dualQuaternion) transformBy(by dualquat.Number) dualquat.Number {
	if vecLen := quat.Abs(by.Real); vecLen != 1 && vecLen != 0 {
		by.Real = quat.Scale(1/vecLen, by.Real)
	}
	return dualquat.Mul(q.Quat, by)
}

// normImag returns the norm of the imaginary part of a quaternion, i.e. the
// sqrt of the sum of squares of its vector components.
func normImag(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}
