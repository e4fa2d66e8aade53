package tracking

import (
	"sort"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// assembleLocalKeyFrames builds the local map window: every Landmark
// observed in frame votes for its observing KeyFrames, the highest-voted
// KeyFrame becomes the reference, and the local window includes every
// voting KeyFrame plus, for each, up to one neighbor from its top-N
// covisibility set, capped at LocalKeyFrameCap total.
func (t *Tracking) assembleLocalKeyFrames(m *mapmodel.Map, frame *mapmodel.Frame) (localKeyFrameIDs []uint64, referenceID uint64) {
	votes := map[uint64]int{}
	for i := range frame.KeyPoints {
		landmarkID := frame.LandmarkAt(i)
		if landmarkID == 0 {
			continue
		}
		landmark, ok := m.Landmark(landmarkID)
		if !ok || landmark.IsBad() {
			continue
		}
		for kfID := range landmark.Observations() {
			votes[kfID]++
		}
	}
	if len(votes) == 0 {
		return nil, 0
	}

	voters := make([]uint64, 0, len(votes))
	for id := range votes {
		voters = append(voters, id)
	}
	sort.Slice(voters, func(i, j int) bool {
		if votes[voters[i]] != votes[voters[j]] {
			return votes[voters[i]] > votes[voters[j]]
		}
		return voters[i] < voters[j]
	})
	referenceID = voters[0]

	included := map[uint64]bool{}
	result := make([]uint64, 0, len(voters))
	for _, id := range voters {
		if len(result) >= t.cfg.LocalKeyFrameCap {
			break
		}
		if included[id] {
			continue
		}
		included[id] = true
		result = append(result, id)
	}
	for _, id := range voters {
		if len(result) >= t.cfg.LocalKeyFrameCap {
			break
		}
		kf, ok := m.KeyFrame(id)
		if !ok {
			continue
		}
		for _, neighborID := range kf.BestCovisibles(t.cfg.LocalKeyFrameTopNNeighbors) {
			if included[neighborID] {
				continue
			}
			included[neighborID] = true
			result = append(result, neighborID)
			break
		}
	}
	return result, referenceID
}

// localLandmarks returns the deduplicated union of every Landmark observed
// by any KeyFrame in localKeyFrameIDs.
func (t *Tracking) localLandmarks(m *mapmodel.Map, localKeyFrameIDs []uint64) []*mapmodel.Landmark {
	seen := map[uint64]bool{}
	var out []*mapmodel.Landmark
	for _, kfID := range localKeyFrameIDs {
		kf, ok := m.KeyFrame(kfID)
		if !ok {
			continue
		}
		for _, landmarkID := range kf.Observations() {
			if landmarkID == 0 || seen[landmarkID] {
				continue
			}
			seen[landmarkID] = true
			landmark, ok := m.Landmark(landmarkID)
			if !ok || landmark.IsBad() {
				continue
			}
			out = append(out, landmark)
		}
	}
	return out
}

// projectLocalLandmarks finishes the local-map tracking pass: every local
// Landmark not already matched in frame is projected through pose and, if
// it lands within radius pixels of an unmatched keypoint with a
// compatible descriptor, is associated there. Visible/found counters are
// updated for every Landmark that falls in the frame's view, matched or
// not, since they score a Landmark's stability.
func (t *Tracking) projectLocalLandmarks(frame *mapmodel.Frame, pose spatialmath.Pose, landmarks []*mapmodel.Landmark, radius float64) int {
	alreadyMatched := map[uint64]bool{}
	for i := range frame.KeyPoints {
		if id := frame.LandmarkAt(i); id != 0 {
			alreadyMatched[id] = true
		}
	}

	matched := 0
	for _, landmark := range landmarks {
		if alreadyMatched[landmark.ID] {
			landmark.IncrementVisible(1)
			landmark.IncrementFound(1)
			matched++
			continue
		}
		local := pose.Transform(landmark.Position())
		u, v, ok := frame.Intrinsics.Project(local)
		if !ok {
			continue
		}
		landmark.IncrementVisible(1)

		j, ok := nearestUnmatchedDescriptor(frame, u, v, radius, landmark.Descriptor(), t.cfg.DescriptorMatchThreshold)
		if !ok {
			continue
		}
		frame.SetLandmark(j, landmark.ID)
		landmark.IncrementFound(1)
		matched++
	}
	return matched
}
