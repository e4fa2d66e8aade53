package tracking

import (
	"context"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// handleWorking runs the WORKING-state per-frame operation: predict a
// pose, optimize it against matched Landmarks, track the local map, and
// decide whether to insert a KeyFrame.
func (t *Tracking) handleWorking(ctx context.Context, frame *mapmodel.Frame) {
	m, ok := t.db.Current()
	if !ok || m.IsErased() {
		t.loseTracking(frame)
		return
	}

	if !t.estimateInitialPose(m, frame) {
		t.loseTracking(frame)
		return
	}

	t.optimizePose(ctx, frame, m)
	refinedPose, _ := frame.GetPose()
	t.projectLastFrameLandmarks(m, t.lastFrame, frame, refinedPose, t.cfg.WindowSearchRadiusFine)
	if t.optimizePose(ctx, frame, m) == 0 {
		t.loseTracking(frame)
		return
	}

	localKFs, refID := t.assembleLocalKeyFrames(m, frame)
	localLandmarks := t.localLandmarks(m, localKFs)
	pose, _ := frame.GetPose()
	t.projectLocalLandmarks(frame, pose, localLandmarks, t.cfg.MotionModelSearchRadius)
	inliers := t.optimizePose(ctx, frame, m)

	required := t.cfg.LocalMapInliersNormal
	if t.everRelocalized && t.framesSinceReloc <= t.cfg.MaxFrames {
		required = t.cfg.LocalMapInliersAfterReloc
	}
	if inliers < required {
		t.loseTracking(frame)
		return
	}

	if refID != 0 && t.referenceKeyFrameID == 0 {
		t.referenceKeyFrameID = refID
	}

	t.tryInsertKeyFrame(m, frame, inliers)

	if t.lastFrame != nil {
		if lastPose, ok := t.lastFrame.GetPose(); ok {
			t.velocity = lastPose.Invert().Compose(pose)
			t.hasVelocity = true
		}
	}
	t.lastFrame = frame
	t.framesSinceKeyFrame++
	t.framesSinceReloc++
}

// loseTracking implements the WORKING -> NOT_INITIALIZED transition on
// tracking failure: the velocity model is cleared, the current Map is
// erased if it never grew past 5 KeyFrames, and a global relocalization
// attempt is requested.
func (t *Tracking) loseTracking(frame *mapmodel.Frame) {
	if m, ok := t.db.Current(); ok {
		if m.KeyFrameCount() <= 5 {
			t.db.EraseMap(m.ID)
		}
	}
	t.db.ClearCurrent()

	t.state = StateNotInitialized
	t.relocalizing = true
	t.hasVelocity = false
	t.lastFrame = nil
	t.referenceKeyFrameID = 0
	t.referenceKeyFrameTrackedCount = 0

	t.logger.Infof("tracking lost; requesting relocalization")
	if r := t.relocalizer(); r != nil {
		r.RequestGlobal(frame)
	}
}

// estimateInitialPose predicts the current camera pose by the motion model
// when it's trusted, falling back to (or starting directly with) a window
// search against the previous frame at successively narrower radii.
func (t *Tracking) estimateInitialPose(m *mapmodel.Map, frame *mapmodel.Frame) bool {
	if t.lastFrame == nil {
		return false
	}

	if t.cfg.UseMotionModel && t.hasVelocity &&
		m.KeyFrameCount() >= t.cfg.MotionModelMinKeyFrames &&
		t.framesSinceReloc >= t.cfg.MotionModelMinFramesSinceReloc {
		lastPose, ok := t.lastFrame.GetPose()
		if ok {
			predicted := lastPose.Compose(t.velocity)
			frame.SetPose(predicted)
			if matches := t.projectLastFrameLandmarks(m, t.lastFrame, frame, predicted, t.cfg.MotionModelSearchRadius); matches >= t.cfg.WindowSearchMinMatches {
				return true
			}
		}
	}

	if lastPose, ok := t.lastFrame.GetPose(); ok {
		frame.SetPose(lastPose)
	}
	matches := t.windowSearch(t.lastFrame, frame, t.cfg.WindowSearchRadiusCoarse)
	if matches < t.cfg.WindowSearchMinMatches {
		matches = t.windowSearch(t.lastFrame, frame, t.cfg.WindowSearchRadiusFine)
		if matches < t.cfg.WindowSearchMinMatches {
			return false
		}
	}
	return true
}

// windowSearch associates previous-frame Landmarks to current-frame
// keypoints within radius pixels of the previous-frame keypoint's pixel
// location, used when no motion model prediction is trusted.
func (t *Tracking) windowSearch(last, cur *mapmodel.Frame, radius float64) int {
	if last == nil {
		return 0
	}
	matches := 0
	for i := range last.KeyPoints {
		landmarkID := last.LandmarkAt(i)
		if landmarkID == 0 {
			continue
		}
		j, ok := nearestUnmatchedDescriptor(cur, last.KeyPoints[i].X, last.KeyPoints[i].Y, radius, last.Descriptors[i], t.cfg.DescriptorMatchThreshold)
		if !ok {
			continue
		}
		cur.SetLandmark(j, landmarkID)
		matches++
	}
	return matches
}

// projectLastFrameLandmarks implements the projection half of the
// motion-model branch: every Landmark associated with the previous frame
// is projected through the predicted pose into the current frame, rather
// than reused at its old pixel location, before searching within radius.
func (t *Tracking) projectLastFrameLandmarks(m *mapmodel.Map, last, cur *mapmodel.Frame, predicted spatialmath.Pose, radius float64) int {
	matches := 0
	for i := range last.KeyPoints {
		landmarkID := last.LandmarkAt(i)
		if landmarkID == 0 {
			continue
		}
		landmark, ok := m.Landmark(landmarkID)
		if !ok || landmark.IsBad() {
			continue
		}
		local := predicted.Transform(landmark.Position())
		u, v, ok := cur.Intrinsics.Project(local)
		if !ok {
			continue
		}
		j, ok := nearestUnmatchedDescriptor(cur, u, v, radius, landmark.Descriptor(), t.cfg.DescriptorMatchThreshold)
		if !ok {
			continue
		}
		cur.SetLandmark(j, landmarkID)
		matches++
	}
	return matches
}

func nearestUnmatchedDescriptor(frame *mapmodel.Frame, u, v, radius float64, query orbfeature.Descriptor, maxDist int) (int, bool) {
	best := -1
	bestDist := maxDist + 1
	for j, kp := range frame.KeyPoints {
		if frame.LandmarkAt(j) != 0 {
			continue
		}
		du, dv := kp.X-u, kp.Y-v
		if du*du+dv*dv > radius*radius {
			continue
		}
		d := orbfeature.HammingDistance(query, frame.Descriptors[j])
		if d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best, best >= 0
}

// optimizePose runs the robust-cost pose optimizer over frame's
// currently-matched, non-outlier Landmark associations, holding
// every Landmark position fixed and frame's own camera pose free. It
// writes the refined pose back into frame, marks the BundleAdjuster's
// reported outliers, and returns the surviving inlier count.
func (t *Tracking) optimizePose(ctx context.Context, frame *mapmodel.Frame, m *mapmodel.Map) int {
	pose, _ := frame.GetPose()
	problem := &nsolver.BAProblem{
		Cameras:       []nsolver.CameraBlock{{ID: frame.ID, Pose: pose}},
		Fx:            frame.Intrinsics.Fx,
		Fy:            frame.Intrinsics.Fy,
		Cx:            frame.Intrinsics.Cx,
		Cy:            frame.Intrinsics.Cy,
		Chi2Threshold: t.cfg.Chi2Threshold,
	}
	pointIdx := map[uint64]int{}
	var kpIdxByObs []int
	for i := range frame.KeyPoints {
		landmarkID := frame.LandmarkAt(i)
		if landmarkID == 0 || frame.IsOutlier(i) {
			continue
		}
		landmark, ok := m.Landmark(landmarkID)
		if !ok || landmark.IsBad() {
			continue
		}
		if _, seen := pointIdx[landmarkID]; !seen {
			pointIdx[landmarkID] = len(problem.Points)
			problem.Points = append(problem.Points, nsolver.PointBlock{ID: landmarkID, Position: landmark.Position(), Fixed: true})
		}
		problem.Observations = append(problem.Observations, nsolver.Observation{
			CameraID: frame.ID, PointID: landmarkID, U: frame.KeyPoints[i].X, V: frame.KeyPoints[i].Y, InvSigma2: 1,
		})
		kpIdxByObs = append(kpIdxByObs, i)
	}
	if len(problem.Observations) == 0 {
		return 0
	}

	result, err := t.ba.Optimize(ctx, problem)
	if err != nil || result == nil || len(result.Cameras) == 0 {
		return 0
	}
	frame.SetPose(result.Cameras[0].Pose)

	inliers := 0
	for obsIdx, kpIdx := range kpIdxByObs {
		if result.Outliers[obsIdx] {
			frame.SetOutlier(kpIdx, true)
			continue
		}
		frame.SetOutlier(kpIdx, false)
		inliers++
	}
	return inliers
}
