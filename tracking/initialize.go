package tracking

import (
	"sort"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// handleInitializing runs two-view initialization: match the reference
// frame against the current one, recover a relative pose and an inlier
// triangulation through the TwoViewSolver, and on success promote both
// frames into a brand-new Map's first two KeyFrames.
func (t *Tracking) handleInitializing(frame *mapmodel.Frame) {
	if len(frame.KeyPoints) <= t.cfg.InitMinKeypoints {
		t.referenceFrame = nil
		t.state = StateNotInitialized
		return
	}

	correspondences, refIdx, curIdx := t.matchFrames(t.referenceFrame, frame)
	if len(correspondences) < t.cfg.InitMinMatches {
		t.referenceFrame = nil
		t.state = StateNotInitialized
		return
	}

	result, err := t.twoView.Recover(correspondences, t.referenceFrame.Intrinsics)
	if err != nil || result == nil {
		t.logger.Debugf("two-view initialization failed: %v", err)
		t.referenceFrame = nil
		t.state = StateNotInitialized
		return
	}

	inlierCount := 0
	for _, ok := range result.Inliers {
		if ok {
			inlierCount++
		}
	}
	if inlierCount < t.cfg.InitMinTrackedLandmarks {
		t.referenceFrame = nil
		t.state = StateNotInitialized
		return
	}

	medianDepth, ok := medianInlierDepth(result)
	if !ok || medianDepth <= 0 {
		t.logger.Debugf("two-view initialization rejected: bad median depth")
		t.referenceFrame = nil
		t.state = StateNotInitialized
		return
	}
	invScale := 1 / medianDepth

	m := t.db.NewMap()

	refPose := spatialmath.NewZeroPose()
	curPose := spatialmath.NewPose(result.Pose.Point().Mul(invScale), result.Pose.Orientation())
	t.referenceFrame.SetPose(refPose)
	frame.SetPose(curPose)

	kf1 := mapmodel.NewKeyFrame(m.NextKeyFrameID(), m.ID, t.referenceFrame, t.voc)
	kf2 := mapmodel.NewKeyFrame(m.NextKeyFrameID(), m.ID, frame, t.voc)
	m.AddKeyFrame(kf1)
	m.AddKeyFrame(kf2)

	tracked := 0
	for i := range correspondences {
		if !result.Inliers[i] {
			continue
		}
		pos := result.Points[i].Mul(invScale)

		refKpIdx := refIdx[i]
		curKpIdx := curIdx[i]

		landmark := mapmodel.NewLandmark(m.NextLandmarkID(), pos, kf1.ID, refKpIdx)
		landmark.AddObservation(kf2.ID, curKpIdx)
		landmark.SetDescriptor(kf1.Descriptors[refKpIdx])
		landmark.IncrementVisible(2)
		landmark.IncrementFound(2)
		m.AddLandmark(landmark)

		kf1.SetLandmarkAt(refKpIdx, landmark.ID)
		kf2.SetLandmarkAt(curKpIdx, landmark.ID)
		t.referenceFrame.SetLandmark(refKpIdx, landmark.ID)
		frame.SetLandmark(curKpIdx, landmark.ID)

		tracked++
	}

	kf1.UpdateConnections(m.ObserversOf, 0)
	kf2.UpdateConnections(m.ObserversOf, 0)
	m.SetReferenceLandmarks(landmarkIDs(m))

	t.localMapping.InsertKeyFrame(m.ID, kf1.ID)
	t.localMapping.InsertKeyFrame(m.ID, kf2.ID)

	t.mapID = m.ID
	t.db.SetCurrent(m.ID)
	t.referenceKeyFrameID = kf2.ID
	t.referenceFrame = nil
	t.lastFrame = frame
	t.hasVelocity = false
	t.framesSinceKeyFrame = 0
	t.state = StateWorking

	t.logger.Infof("initialized map %d with %d landmarks from %d correspondences", m.ID, tracked, len(correspondences))
}

// matchFrames runs the descriptor matcher between a and b and returns the
// correspondences in pixel coordinates alongside the keypoint indices into
// a and b they came from, index-aligned with the returned correspondences.
func (t *Tracking) matchFrames(a, b *mapmodel.Frame) (correspondences []nsolver.TwoViewCorrespondence, aIdx, bIdx []int) {
	matches := t.matcher.Match(b.Descriptors, a.Descriptors, t.cfg.DescriptorMatchThreshold)
	for bi, ai := range matches {
		if ai < 0 {
			continue
		}
		correspondences = append(correspondences, nsolver.TwoViewCorrespondence{
			U1: a.KeyPoints[ai].X,
			V1: a.KeyPoints[ai].Y,
			U2: b.KeyPoints[bi].X,
			V2: b.KeyPoints[bi].Y,
		})
		aIdx = append(aIdx, ai)
		bIdx = append(bIdx, bi)
	}
	return correspondences, aIdx, bIdx
}

// medianInlierDepth returns the median camera-1-frame Z coordinate of the
// two-view solver's inlier triangulated points.
func medianInlierDepth(result *nsolver.TwoViewResult) (float64, bool) {
	var depths []float64
	for i, ok := range result.Inliers {
		if !ok {
			continue
		}
		depths = append(depths, result.Points[i].Z)
	}
	if len(depths) == 0 {
		return 0, false
	}
	sort.Float64s(depths)
	return depths[len(depths)/2], true
}

func landmarkIDs(m *mapmodel.Map) []uint64 {
	landmarks := m.Landmarks()
	ids := make([]uint64, len(landmarks))
	for i, l := range landmarks {
		ids[i] = l.ID
	}
	return ids
}
