package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Similarity is a 7-DoF similarity transform (rotation, translation, and a
// uniform scale). LoopClosing and MapMerging both estimate these between
// pairs of keyframes: a loop closure's scale drift within one map, or a
// merge's scale offset between two maps built from different scale-bearing
// monocular tracks.
type Similarity struct {
	rotation    quat.Number
	translation r3.Vector
	scale       float64
}

// NewSimilarity builds a Similarity from its rotation, translation and
// scale. The rotation quaternion need not be pre-normalized.
func NewSimilarity(point r3.Vector, orientation quat.Number, scale float64) Similarity {
	norm := quat.Abs(orientation)
	if norm == 0 {
		orientation = quat.Number{Real: 1}
	} else {
		orientation = quat.Scale(1/norm, orientation)
	}
	return Similarity{rotation: orientation, translation: point, scale: scale}
}

// NewZeroSimilarity returns the identity similarity transform.
func NewZeroSimilarity() Similarity {
	return NewSimilarity(r3.Vector{}, quat.Number{Real: 1}, 1)
}

// Orientation returns the rotation component.
func (s Similarity) Orientation() quat.Number { return s.rotation }

// Point returns the translation component.
func (s Similarity) Point() r3.Vector { return s.translation }

// Scale returns the uniform scale factor.
func (s Similarity) Scale() float64 { return s.scale }

// Pose discards the scale component and returns the corresponding rigid
// transform. Used when a Sim(3) loop-closure correction collapses back to a
// Pose after scale has been distributed across the spanning tree.
func (s Similarity) Pose() Pose {
	return NewPose(s.translation, s.rotation)
}

// Transform applies the similarity transform to a point: rotate, scale,
// then translate.
func (s Similarity) Transform(point r3.Vector) r3.Vector {
	rotated := rotateByMatrix(RotationMatrixFromQuaternion(s.rotation), point)
	return rotated.Mul(s.scale).Add(s.translation)
}

// Compose returns the similarity transform equivalent to applying s first
// and then other.
func (s Similarity) Compose(other Similarity) Similarity {
	rot := RotationMatrixFromQuaternion(other.rotation)
	point := rotateByMatrix(rot, s.translation).Mul(other.scale).Add(other.translation)
	orientation := quat.Mul(other.rotation, s.rotation)
	return NewSimilarity(point, orientation, s.scale*other.scale)
}

// Invert returns the inverse similarity transform.
func (s Similarity) Invert() Similarity {
	invRot := RotationMatrixFromQuaternion(s.rotation).T()
	invScale := 1 / s.scale
	invOrientation := QuaternionFromRotationMatrix(invRot)
	invPoint := rotateByMatrix(invRot, s.translation).Mul(-invScale)
	return NewSimilarity(invPoint, invOrientation, invScale)
}

// AlmostEqual reports whether two similarity transforms are equal to within
// eps in translation, rotation and scale.
func (s Similarity) AlmostEqual(other Similarity, eps float64) bool {
	return s.translation.Sub(other.translation).Norm() <= eps &&
		QuaternionAlmostEqual(s.rotation, other.rotation, eps) &&
		absFloat(s.scale-other.scale) <= eps
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
