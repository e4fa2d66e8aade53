package localmapping

import (
	"context"
	"time"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
)

// localBAChi2Threshold is the outlier-rejection threshold for a single 2D
// reprojection residual (chi-square, 2 degrees of freedom, 95% confidence).
const localBAChi2Threshold = 5.991

// baInterruptPollInterval is how often runLocalBA checks Tracking's
// interrupt flag while a bundle adjustment is in flight.
const baInterruptPollInterval = 2 * time.Millisecond

// runLocalBA optimizes kf and its covisibles, holding their second-order
// covisibles (KeyFrames that observe a shared Landmark but aren't
// themselves covisible with kf) fixed. It aborts early if Tracking calls
// InterruptBA while the solver runs.
func (lm *LocalMapping) runLocalBA(ctx context.Context, m *mapmodel.Map, kf *mapmodel.KeyFrame) error {
	if kf.Intrinsics == nil {
		return nil
	}
	problem := buildLocalBAProblem(m, kf)
	if len(problem.Cameras) == 0 || len(problem.Points) == 0 {
		return nil
	}

	baCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(baInterruptPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if lm.interrupt.Load() {
					cancel()
					return
				}
			}
		}
	}()

	result, err := lm.ba.Optimize(baCtx, problem)
	if err != nil {
		return err
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
	return nil
}

// buildLocalBAProblem assembles the covisible window around kf: kf and its
// direct covisibles are free camera blocks, every KeyFrame that shares a
// Landmark with that free set but isn't itself in it is a fixed camera
// block, and every Landmark observed by the free set is a free point
// block.
func buildLocalBAProblem(m *mapmodel.Map, kf *mapmodel.KeyFrame) *nsolver.BAProblem {
	free := map[uint64]bool{kf.ID: true}
	for _, id := range kf.AllCovisibles() {
		free[id] = true
	}

	landmarkSet := map[uint64]bool{}
	for id := range free {
		k, ok := m.KeyFrame(id)
		if !ok {
			continue
		}
		for _, lmID := range k.Observations() {
			if lmID != 0 {
				landmarkSet[lmID] = true
			}
		}
	}

	fixed := map[uint64]bool{}
	for lmID := range landmarkSet {
		l, ok := m.Landmark(lmID)
		if !ok {
			continue
		}
		for kfID := range l.Observations() {
			if !free[kfID] {
				fixed[kfID] = true
			}
		}
	}

	var cameras []nsolver.CameraBlock
	for id := range free {
		k, ok := m.KeyFrame(id)
		if !ok || k.IsBad() {
			continue
		}
		cameras = append(cameras, nsolver.CameraBlock{ID: id, Pose: k.Pose(), Fixed: false})
	}
	for id := range fixed {
		k, ok := m.KeyFrame(id)
		if !ok || k.IsBad() {
			continue
		}
		cameras = append(cameras, nsolver.CameraBlock{ID: id, Pose: k.Pose(), Fixed: true})
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
	for id := range free {
		appendObservations(m, id, landmarkSet, &observations)
	}
	for id := range fixed {
		appendObservations(m, id, landmarkSet, &observations)
	}

	return &nsolver.BAProblem{
		Cameras:       cameras,
		Points:        points,
		Observations:  observations,
		Fx:            kf.Intrinsics.Fx,
		Fy:            kf.Intrinsics.Fy,
		Cx:            kf.Intrinsics.Cx,
		Cy:            kf.Intrinsics.Cy,
		Chi2Threshold: localBAChi2Threshold,
	}
}

func appendObservations(m *mapmodel.Map, kfID uint64, landmarkSet map[uint64]bool, out *[]nsolver.Observation) {
	k, ok := m.KeyFrame(kfID)
	if !ok {
		return
	}
	for i, lmID := range k.Observations() {
		if lmID == 0 || !landmarkSet[lmID] || i >= len(k.KeyPoints) {
			continue
		}
		kp := k.KeyPoints[i]
		*out = append(*out, nsolver.Observation{CameraID: kfID, PointID: lmID, U: kp.X, V: kp.Y, InvSigma2: 1})
	}
}
