package localmapping

import (
	"math"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/orbfeature"
)

// fuseProjectionPixelRadius bounds how far, in pixels, a projected
// Landmark may land from an existing keypoint for the two to be
// considered the same physical point.
const fuseProjectionPixelRadius = 3.0

// fuseDuplicates projects kf's Landmarks into its covisible KeyFrames and,
// wherever a projection lands near an existing keypoint that already owns
// a different Landmark with a matching descriptor, fuses the two into one.
// The Landmark with more observations survives.
func (lm *LocalMapping) fuseDuplicates(m *mapmodel.Map, kf *mapmodel.KeyFrame) {
	observations := kf.Observations()
	for _, neighborID := range kf.BestCovisibles(lm.cfg.CovisibleWindow) {
		neighbor, ok := m.KeyFrame(neighborID)
		if !ok || neighbor.IsBad() || neighbor.Intrinsics == nil {
			continue
		}
		neighborPose := neighbor.Pose()

		for _, landmarkID := range observations {
			if landmarkID == 0 {
				continue
			}
			landmark, ok := m.Landmark(landmarkID)
			if !ok || landmark.IsBad() {
				continue
			}

			local := neighborPose.Transform(landmark.Position())
			if local.Z <= 0 {
				continue
			}
			u, v, ok := neighbor.Intrinsics.Project(local)
			if !ok {
				continue
			}

			matchIdx, matched := nearestKeypoint(neighbor.KeyPoints, u, v, fuseProjectionPixelRadius)
			if !matched {
				continue
			}

			existingID := neighbor.LandmarkAt(matchIdx)
			if existingID == 0 || existingID == landmarkID {
				continue
			}
			existing, ok := m.Landmark(existingID)
			if !ok || existing.IsBad() {
				continue
			}
			if orbfeature.HammingDistance(landmark.Descriptor(), existing.Descriptor()) > descriptorMatchThreshold {
				continue
			}

			keep, drop := landmarkID, existingID
			if len(existing.Observations()) > len(landmark.Observations()) {
				keep, drop = existingID, landmarkID
			}
			m.FuseLandmarks(keep, drop)
		}
	}
}

// nearestKeypoint returns the index of the closest keypoint to (u, v)
// within radius pixels, or false if none qualifies.
func nearestKeypoint(keypoints []orbfeature.KeyPoint, u, v, radius float64) (int, bool) {
	best := -1
	bestDist := radius
	for i, kp := range keypoints {
		d := math.Hypot(kp.X-u, kp.Y-v)
		if d <= bestDist {
			bestDist = d
			best = i
		}
	}
	return best, best >= 0
}
