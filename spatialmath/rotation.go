package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 rotation matrix, row-major. It exists alongside the
// dual-quaternion representation because composing two transforms' net
// rotation by quaternion multiplication accumulates less drift than
// re-deriving it from Euler angles, but inversion and point transforms read
// more directly off the matrix form.
type RotationMatrix struct {
	m [3][3]float64
}

// NewRotationMatrix builds a RotationMatrix from its nine entries,
// row-major. Used by geometric estimators (nsolver's essential-matrix and
// DLT resection decompositions) that produce a raw 3x3 matrix and need to
// round-trip it through QuaternionFromRotationMatrix.
func NewRotationMatrix(m [3][3]float64) RotationMatrix {
	return RotationMatrix{m: m}
}

// T returns the transpose of the matrix, which for an orthonormal rotation
// matrix is also its inverse.
func (r RotationMatrix) T() RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m[j][i] = r.m[i][j]
		}
	}
	return out
}

// RotationMatrixFromQuaternion converts a unit quaternion to its equivalent
// rotation matrix.
func RotationMatrixFromQuaternion(q quat.Number) RotationMatrix {
	norm := quat.Abs(q)
	if norm == 0 {
		return RotationMatrix{m: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
	}
	w, x, y, z := q.Real/norm, q.Imag/norm, q.Jmag/norm, q.Kmag/norm

	var m [3][3]float64
	m[0][0] = 1 - 2*(y*y+z*z)
	m[0][1] = 2 * (x*y - z*w)
	m[0][2] = 2 * (x*z + y*w)
	m[1][0] = 2 * (x*y + z*w)
	m[1][1] = 1 - 2*(x*x+z*z)
	m[1][2] = 2 * (y*z - x*w)
	m[2][0] = 2 * (x*z - y*w)
	m[2][1] = 2 * (y*z + x*w)
	m[2][2] = 1 - 2*(x*x+y*y)
	return RotationMatrix{m: m}
}

// QuaternionFromRotationMatrix converts a rotation matrix to a unit
// quaternion, using Shepperd's method to pick the numerically stable branch.
func QuaternionFromRotationMatrix(r RotationMatrix) quat.Number {
	m := r.m
	trace := m[0][0] + m[1][1] + m[2][2]

	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		return quat.Number{
			Real: 0.25 / s,
			Imag: (m[2][1] - m[1][2]) * s,
			Jmag: (m[0][2] - m[2][0]) * s,
			Kmag: (m[1][0] - m[0][1]) * s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := 2 * math.Sqrt(1+m[0][0]-m[1][1]-m[2][2])
		return quat.Number{
			Real: (m[2][1] - m[1][2]) / s,
			Imag: 0.25 * s,
			Jmag: (m[0][1] + m[1][0]) / s,
			Kmag: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := 2 * math.Sqrt(1+m[1][1]-m[0][0]-m[2][2])
		return quat.Number{
			Real: (m[0][2] - m[2][0]) / s,
			Imag: (m[0][1] + m[1][0]) / s,
			Jmag: 0.25 * s,
			Kmag: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m[2][2]-m[0][0]-m[1][1])
		return quat.Number{
			Real: (m[1][0] - m[0][1]) / s,
			Imag: (m[0][2] + m[2][0]) / s,
			Jmag: (m[1][2] + m[2][1]) / s,
			Kmag: 0.25 * s,
		}
	}
}

// rotateByMatrix applies a rotation matrix to a point.
func rotateByMatrix(r RotationMatrix, p r3.Vector) r3.Vector {
	m := r.m
	return r3.Vector{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z,
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z,
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z,
	}
}

// QuaternionAlmostEqual reports whether two quaternions represent the same
// rotation to within eps, accounting for the double cover of SO(3) by unit
// quaternions (q and -q are the same rotation).
func QuaternionAlmostEqual(q1, q2 quat.Number, eps float64) bool {
	diff := func(a, b quat.Number) float64 {
		return math.Abs(a.Real-b.Real) + math.Abs(a.Imag-b.Imag) + math.Abs(a.Jmag-b.Jmag) + math.Abs(a.Kmag-b.Kmag)
	}
	return diff(q1, q2) <= eps || diff(q1, quat.Scale(-1, q2)) <= eps
}
