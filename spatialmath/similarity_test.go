package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestSimilarityRoundTrip(t *testing.T) {
	point := r3.Vector{X: 1, Y: -1, Z: 2}
	orientation := quat.Number{Real: 1, Imag: 0.1, Jmag: 0, Kmag: 0}
	s := NewSimilarity(point, orientation, 1.5)

	test.That(t, s.Scale(), test.ShouldAlmostEqual, 1.5)
	test.That(t, s.Point().Sub(point).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestSimilarityInvertIsInverse(t *testing.T) {
	s := NewSimilarity(r3.Vector{X: 3, Y: 1, Z: -2}, quat.Number{Real: 1, Imag: 0.1, Jmag: 0.2, Kmag: 0}, 2.0)
	identity := s.Compose(s.Invert())

	test.That(t, identity.AlmostEqual(NewZeroSimilarity(), 1e-6), test.ShouldBeTrue)
}

func TestSimilarityScaleAppliesToDistance(t *testing.T) {
	s := NewSimilarity(r3.Vector{}, quat.Number{Real: 1}, 2.0)
	x := r3.Vector{X: 1, Y: 0, Z: 0}

	transformed := s.Transform(x)
	test.That(t, transformed.Norm(), test.ShouldAlmostEqual, 2.0)
}

func TestSimilarityPoseDropsScale(t *testing.T) {
	point := r3.Vector{X: 1, Y: 2, Z: 3}
	orientation := quat.Number{Real: 1, Imag: 0.2, Jmag: 0, Kmag: 0}
	s := NewSimilarity(point, orientation, 3.5)

	p := s.Pose()
	test.That(t, p.Point().Sub(point).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, QuaternionAlmostEqual(p.Orientation(), quat.Scale(1/quat.Abs(orientation), orientation), 1e-9), test.ShouldBeTrue)
}
