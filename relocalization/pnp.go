package relocalization

import (
	"context"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
)

// tryCandidate attempts recovery against a single candidate KeyFrame: build
// 3D-2D correspondences from descriptor matches, run P4P RANSAC up to
// MaxCandidateAttempts times, and on a pose with enough post-optimization
// inliers either directly or after one of two SearchByProjection refinement
// passes, commit it.
func (r *Relocalization) tryCandidate(ctx context.Context, m *mapmodel.Map, kfID uint64, frame *mapmodel.Frame) bool {
	kf, ok := m.KeyFrame(kfID)
	if !ok || kf.IsBad() || kf.Intrinsics == nil {
		return false
	}

	correspondences, kpIdxByCorr, landmarkByCorr := r.build3D2DCorrespondences(m, kf, frame)
	if len(correspondences) < r.cfg.PnPParams.MinInliers {
		return false
	}

	for attempt := 0; attempt < r.cfg.MaxCandidateAttempts; attempt++ {
		result, ok := r.pnp.EstimateRANSAC(correspondences, frame.Intrinsics, r.cfg.PnPParams)
		if !ok {
			continue
		}
		frame.SetPose(result.Pose)
		r.clearLandmarks(frame)
		for i, inlier := range result.Inliers {
			if inlier {
				frame.SetLandmark(kpIdxByCorr[i], landmarkByCorr[i])
			}
		}

		inliers := r.optimizePose(ctx, frame, m)
		if inliers < r.cfg.PnPParams.MinInliers {
			continue
		}

		if refined := r.refine(ctx, m, kf, frame, r.cfg.RefineRadius1); refined >= r.cfg.MinPostOptimizationInliers {
			r.commit(m, kf, frame)
			return true
		}
		if refined := r.refine(ctx, m, kf, frame, r.cfg.RefineRadius2); refined >= r.cfg.MinPostOptimizationInliers {
			r.commit(m, kf, frame)
			return true
		}
	}
	return false
}

func (r *Relocalization) clearLandmarks(frame *mapmodel.Frame) {
	for i := range frame.KeyPoints {
		frame.SetLandmark(i, 0)
		frame.SetOutlier(i, false)
	}
}

// build3D2DCorrespondences matches frame's descriptors against kf's,
// keeping only candidate keypoints that already observe a Landmark, so P4P
// operates against the candidate's own reconstruction.
func (r *Relocalization) build3D2DCorrespondences(m *mapmodel.Map, kf *mapmodel.KeyFrame, frame *mapmodel.Frame) (corr []nsolver.PnPCorrespondence, kpIdx []int, landmarkID []uint64) {
	matches := r.matcher.Match(frame.Descriptors, kf.Descriptors, r.cfg.DescriptorMatchThreshold)
	for fi, ki := range matches {
		if ki < 0 {
			continue
		}
		lmID := kf.LandmarkAt(ki)
		if lmID == 0 {
			continue
		}
		landmark, ok := m.Landmark(lmID)
		if !ok || landmark.IsBad() {
			continue
		}
		corr = append(corr, nsolver.PnPCorrespondence{
			Point: landmark.Position(),
			U:     frame.KeyPoints[fi].X,
			V:     frame.KeyPoints[fi].Y,
		})
		kpIdx = append(kpIdx, fi)
		landmarkID = append(landmarkID, lmID)
	}
	return corr, kpIdx, landmarkID
}

// refine implements one SearchByProjection + re-optimize pass: every
// Landmark observed by kf or its covisibles, not yet matched in frame, is
// projected through frame's current pose and searched for within radius
// pixels.
func (r *Relocalization) refine(ctx context.Context, m *mapmodel.Map, kf *mapmodel.KeyFrame, frame *mapmodel.Frame, radius float64) int {
	pose, _ := frame.GetPose()
	candidates := map[uint64]bool{kf.ID: true}
	for _, id := range kf.BestCovisibles(r.cfg.InlineCovisibleCount) {
		candidates[id] = true
	}

	matched := map[uint64]bool{}
	for i := range frame.KeyPoints {
		if id := frame.LandmarkAt(i); id != 0 {
			matched[id] = true
		}
	}

	for neighborID := range candidates {
		neighbor, ok := m.KeyFrame(neighborID)
		if !ok {
			continue
		}
		for _, landmarkID := range neighbor.Observations() {
			if landmarkID == 0 || matched[landmarkID] {
				continue
			}
			landmark, ok := m.Landmark(landmarkID)
			if !ok || landmark.IsBad() {
				continue
			}
			local := pose.Transform(landmark.Position())
			u, v, ok := frame.Intrinsics.Project(local)
			if !ok {
				continue
			}
			j, found := nearestUnmatched(frame, u, v, radius, landmark.Descriptor(), r.cfg.DescriptorMatchThreshold)
			if !found {
				continue
			}
			frame.SetLandmark(j, landmarkID)
			matched[landmarkID] = true
		}
	}

	return r.optimizePose(ctx, frame, m)
}

func nearestUnmatched(frame *mapmodel.Frame, u, v, radius float64, query orbfeature.Descriptor, maxDist int) (int, bool) {
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

// optimizePose mirrors tracking's pose-only bundle adjustment pass: every
// matched, non-outlier Landmark is held fixed and frame's camera pose is
// the sole free block.
func (r *Relocalization) optimizePose(ctx context.Context, frame *mapmodel.Frame, m *mapmodel.Map) int {
	pose, _ := frame.GetPose()
	problem := &nsolver.BAProblem{
		Cameras:       []nsolver.CameraBlock{{ID: frame.ID, Pose: pose}},
		Fx:            frame.Intrinsics.Fx,
		Fy:            frame.Intrinsics.Fy,
		Cx:            frame.Intrinsics.Cx,
		Cy:            frame.Intrinsics.Cy,
		Chi2Threshold: r.cfg.Chi2Threshold,
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

	result, err := r.ba.Optimize(ctx, problem)
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

func (r *Relocalization) commit(m *mapmodel.Map, kf *mapmodel.KeyFrame, frame *mapmodel.Frame) {
	pose, _ := frame.GetPose()
	r.sink.CommitRelocalization(m.ID, kf.ID, pose, frame)
}
