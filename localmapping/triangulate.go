package localmapping

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// descriptorMatchThreshold is the maximum Hamming distance, out of 256
// bits, accepted between two ORB descriptors for a correspondence.
const descriptorMatchThreshold = 50

// minParallaxCos rejects near-degenerate triangulations: two observing
// rays whose angle between them has cosine above this value are too
// close to parallel to fix depth reliably.
const minParallaxCos = 0.9998 // roughly 1 degree

// reprojectionPixelTolerance is the maximum allowed reprojection error, in
// pixels, for a newly triangulated Landmark in either observing KeyFrame.
const reprojectionPixelTolerance = 4.0

// triangulateNewLandmarks attempts to create new Landmarks from kf's
// unmatched keypoints, searching for correspondences in its top-N
// covisible KeyFrames.
func (lm *LocalMapping) triangulateNewLandmarks(m *mapmodel.Map, kf *mapmodel.KeyFrame, birth uint64) {
	if kf.Intrinsics == nil {
		return
	}
	neighbors := kf.BestCovisibles(lm.cfg.CovisibleWindow)
	kfObs := kf.Observations()
	kfQueryIdx, kfQueryDesc := unmatchedDescriptors(kf.Descriptors, kfObs)
	if len(kfQueryIdx) == 0 {
		return
	}

	for _, neighborID := range neighbors {
		neighbor, ok := m.KeyFrame(neighborID)
		if !ok || neighbor.IsBad() || neighbor.Intrinsics == nil {
			continue
		}
		neighborObs := neighbor.Observations()
		neighborIdx, neighborDesc := unmatchedDescriptors(neighbor.Descriptors, neighborObs)
		if len(neighborIdx) == 0 {
			continue
		}

		matches := lm.matcher.Match(kfQueryDesc, neighborDesc, descriptorMatchThreshold)

		for qi, mi := range matches {
			if mi < 0 {
				continue
			}
			kpIdx := kfQueryIdx[qi]
			neighborKpIdx := neighborIdx[mi]

			if kf.LandmarkAt(kpIdx) != 0 || neighbor.LandmarkAt(neighborKpIdx) != 0 {
				continue
			}

			point, ok := triangulatePair(kf, kpIdx, neighbor, neighborKpIdx)
			if !ok {
				continue
			}

			landmarkID := m.NextLandmarkID()
			landmark := mapmodel.NewLandmark(landmarkID, point, kf.ID, kpIdx)
			landmark.AddObservation(neighbor.ID, neighborKpIdx)
			landmark.SetDescriptor(kf.Descriptors[kpIdx])
			m.AddLandmark(landmark)

			kf.SetLandmarkAt(kpIdx, landmarkID)
			neighbor.SetLandmarkAt(neighborKpIdx, landmarkID)

			lm.mu.Lock()
			lm.newLandmarks[landmarkID] = birth
			lm.mu.Unlock()

			kfObs[kpIdx] = landmarkID
		}
	}
}

// unmatchedDescriptors returns, index-aligned, the keypoint indices and
// descriptors not yet associated with a Landmark.
func unmatchedDescriptors(descriptors []orbfeature.Descriptor, observations []uint64) ([]int, []orbfeature.Descriptor) {
	var idx []int
	var descs []orbfeature.Descriptor
	for i, d := range descriptors {
		if i < len(observations) && observations[i] != 0 {
			continue
		}
		idx = append(idx, i)
		descs = append(descs, d)
	}
	return idx, descs
}

// triangulatePair computes the 3D point a keypoint pair observes, using
// the closest-point-between-two-rays midpoint method, and validates it by
// parallax angle and reprojection error in both KeyFrames.
func triangulatePair(
	kf *mapmodel.KeyFrame, kpIdx int,
	neighbor *mapmodel.KeyFrame, neighborKpIdx int,
) (r3.Vector, bool) {
	kp1 := kf.KeyPoints[kpIdx]
	kp2 := neighbor.KeyPoints[neighborKpIdx]

	center1, dir1 := cameraCenterAndRay(kf.Pose(), kf.Intrinsics.Bearing(kp1.X, kp1.Y))
	center2, dir2 := cameraCenterAndRay(neighbor.Pose(), neighbor.Intrinsics.Bearing(kp2.X, kp2.Y))

	if dir1.Dot(dir2) > minParallaxCos {
		return r3.Vector{}, false
	}

	point, ok := closestPointBetweenRays(center1, dir1, center2, dir2)
	if !ok {
		return r3.Vector{}, false
	}

	local1 := kf.Pose().Transform(point)
	if local1.Z <= 0 {
		return r3.Vector{}, false
	}
	u1, v1, ok := kf.Intrinsics.Project(local1)
	if !ok || math.Hypot(u1-kp1.X, v1-kp1.Y) > reprojectionPixelTolerance {
		return r3.Vector{}, false
	}

	local2 := neighbor.Pose().Transform(point)
	if local2.Z <= 0 {
		return r3.Vector{}, false
	}
	u2, v2, ok := neighbor.Intrinsics.Project(local2)
	if !ok || math.Hypot(u2-kp2.X, v2-kp2.Y) > reprojectionPixelTolerance {
		return r3.Vector{}, false
	}

	return point, true
}

// cameraCenterAndRay returns, in world coordinates, the camera center and
// the unit direction of a bearing vector observed in that camera's frame.
func cameraCenterAndRay(tcw spatialmath.Pose, bearing r3.Vector) (r3.Vector, r3.Vector) {
	twc := tcw.Invert()
	center := twc.Point()
	dir := twc.Transform(bearing).Sub(center)
	return center, dir.Normalize()
}

// closestPointBetweenRays returns the midpoint of the closest approach
// between two rays o1+t*d1 and o2+s*d2 (d1, d2 unit vectors), or false if
// they're too close to parallel to solve reliably.
func closestPointBetweenRays(o1, d1, o2, d2 r3.Vector) (r3.Vector, bool) {
	w0 := o1.Sub(o2)
	b := d1.Dot(d2)
	denom := 1 - b*b
	if math.Abs(denom) < 1e-9 {
		return r3.Vector{}, false
	}
	d := d1.Dot(w0)
	e := d2.Dot(w0)
	t := (b*e - d) / denom
	s := (e - b*d) / denom
	if t <= 0 || s <= 0 {
		return r3.Vector{}, false
	}
	p1 := o1.Add(d1.Mul(t))
	p2 := o2.Add(d2.Mul(s))
	return p1.Add(p2).Mul(0.5), true
}
