package camera

// Distortion applies the inverse of the Brown-Conrady (radial-tangential)
// distortion model. Given a distorted point normalized by the intrinsics,
// it returns the corresponding undistorted point using iterative
// Newton-Raphson refinement, matching the four coefficients (k1, k2, p1,
// p2) of a calibrated monocular camera.
type Distortion struct {
	RadialK1     float64 `yaml:"k1" json:"k1"`
	RadialK2     float64 `yaml:"k2" json:"k2"`
	TangentialP1 float64 `yaml:"p1" json:"p1"`
	TangentialP2 float64 `yaml:"p2" json:"p2"`
}

// CheckValid always succeeds: a zero Distortion is a legitimate "no
// distortion" model.
func (d *Distortion) CheckValid() error {
	return nil
}

// Undistort converts a distorted, normalized point (xd, yd) to its
// undistorted equivalent (xu, yu) via Newton-Raphson iteration on the
// forward Brown-Conrady model:
//
//	x_d = x_u*(1 + k1*r^2 + k2*r^4) + 2*p1*x_u*y_u + p2*(r^2 + 2*x_u^2)
//	y_d = y_u*(1 + k1*r^2 + k2*r^4) + 2*p2*x_u*y_u + p1*(r^2 + 2*y_u^2)
func (d *Distortion) Undistort(xd, yd float64) (xu, yu float64) {
	if d == nil {
		return xd, yd
	}

	xu, yu = xd, yd

	const maxIterations = 20
	const tolerance = 1e-10

	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2

		radDist := 1.0 + d.RadialK1*r2 + d.RadialK2*r4
		tanDistX := 2.0*d.TangentialP1*xu*yu + d.TangentialP2*(r2+2.0*xu*xu)
		tanDistY := 2.0*d.TangentialP2*xu*yu + d.TangentialP1*(r2+2.0*yu*yu)

		xdEst := xu*radDist + tanDistX
		ydEst := yu*radDist + tanDistY

		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		dRadDistDxu := 2.0 * xu * (d.RadialK1 + 2.0*d.RadialK2*r2)
		dRadDistDyu := 2.0 * yu * (d.RadialK1 + 2.0*d.RadialK2*r2)

		dxdDxu := radDist + xu*dRadDistDxu + 2.0*d.TangentialP1*yu + d.TangentialP2*(2.0*xu+4.0*xu)
		dxdDyu := xu*dRadDistDyu + 2.0*d.TangentialP1*xu + d.TangentialP2*2.0*yu
		dydDxu := yu*dRadDistDxu + 2.0*d.TangentialP2*yu + d.TangentialP1*2.0*xu
		dydDyu := radDist + yu*dRadDistDyu + 2.0*d.TangentialP2*xu + d.TangentialP1*(2.0*yu+4.0*yu)

		det := dxdDxu*dydDyu - dxdDyu*dydDxu
		if det == 0 {
			break
		}

		xu -= (dydDyu*errX - dxdDyu*errY) / det
		yu -= (-dydDxu*errX + dxdDxu*errY) / det
	}

	return xu, yu
}
