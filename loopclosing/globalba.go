package loopclosing

import (
	"context"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
)

// runGlobalBA runs an optional, asynchronous full bundle adjustment after a
// loop closes: every KeyFrame and Landmark in m is optimized together,
// anchored at the same lowest-id KeyFrame the pose-graph pass just anchored.
// It is started in its own goroutine so it never blocks LoopClosing from
// picking up the next queued KeyFrame.
func (lc *LoopClosing) runGlobalBA(ctx context.Context, m *mapmodel.Map) {
	problem := buildGlobalBAProblem(m, lc.cfg.GlobalBAChi2Threshold)
	if problem == nil {
		return
	}

	result, err := lc.ba.Optimize(ctx, problem)
	if err != nil {
		lc.logger.Debugf("global bundle adjustment did not converge: %v", err)
		return
	}

	for _, c := range result.Cameras {
		if c.Fixed {
			continue
		}
		if target, ok := m.KeyFrame(c.ID); ok {
			target.SetPose(c.Pose)
		}
	}
	for _, p := range result.Points {
		if target, ok := m.Landmark(p.ID); ok {
			target.SetPosition(p.Position)
		}
	}
}

// buildGlobalBAProblem assembles every non-bad KeyFrame and Landmark in m,
// anchoring the lowest-id KeyFrame exactly as RunPoseGraphOptimization does.
func buildGlobalBAProblem(m *mapmodel.Map, chi2Threshold float64) *nsolver.BAProblem {
	keyFrames := m.AllKeyFrames()
	if len(keyFrames) == 0 {
		return nil
	}

	anchorID := keyFrames[0].ID
	for _, kf := range keyFrames {
		if kf.ID < anchorID {
			anchorID = kf.ID
		}
	}

	var intrinsics *camera.Intrinsics
	landmarkSet := map[uint64]bool{}
	var cameras []nsolver.CameraBlock
	for _, kf := range keyFrames {
		if kf.IsBad() {
			continue
		}
		if intrinsics == nil && kf.Intrinsics != nil {
			intrinsics = kf.Intrinsics
		}
		cameras = append(cameras, nsolver.CameraBlock{ID: kf.ID, Pose: kf.Pose(), Fixed: kf.ID == anchorID})
		for _, lmID := range kf.Observations() {
			if lmID != 0 {
				landmarkSet[lmID] = true
			}
		}
	}
	if intrinsics == nil {
		return nil
	}

	var points []nsolver.PointBlock
	for lmID := range landmarkSet {
		l, ok := m.Landmark(lmID)
		if !ok || l.IsBad() {
			continue
		}
		points = append(points, nsolver.PointBlock{ID: lmID, Position: l.Position()})
	}

	var observations []nsolver.Observation
	for _, kf := range keyFrames {
		if kf.IsBad() {
			continue
		}
		for i, lmID := range kf.Observations() {
			if lmID == 0 || !landmarkSet[lmID] || i >= len(kf.KeyPoints) {
				continue
			}
			kp := kf.KeyPoints[i]
			observations = append(observations, nsolver.Observation{CameraID: kf.ID, PointID: lmID, U: kp.X, V: kp.Y, InvSigma2: 1})
		}
	}
	if len(observations) == 0 {
		return nil
	}

	return &nsolver.BAProblem{
		Cameras:       cameras,
		Points:        points,
		Observations:  observations,
		Fx:            intrinsics.Fx,
		Fy:            intrinsics.Fy,
		Cx:            intrinsics.Cx,
		Cy:            intrinsics.Cy,
		Chi2Threshold: chi2Threshold,
	}
}
