package camera

// Model pairs calibrated intrinsics with a lens distortion model. Tracking
// uses it to undistort raw ORB keypoints once per frame before any further
// processing treats the image as an ideal pinhole view.
type Model struct {
	Intrinsics *Intrinsics
	Distortion *Distortion
}

// CheckValid checks that the intrinsics are usable; a nil Distortion means
// no distortion correction is applied.
func (m *Model) CheckValid() error {
	return m.Intrinsics.CheckValid()
}

// UndistortPixel removes lens distortion from a single pixel coordinate,
// returning the pixel it would have landed at under an ideal pinhole
// model.
func (m *Model) UndistortPixel(u, v float64) (float64, float64) {
	xd := (u - m.Intrinsics.Cx) / m.Intrinsics.Fx
	yd := (v - m.Intrinsics.Cy) / m.Intrinsics.Fy
	xu, yu := m.Distortion.Undistort(xd, yd)
	return xu*m.Intrinsics.Fx + m.Intrinsics.Cx, yu*m.Intrinsics.Fy + m.Intrinsics.Cy
}
