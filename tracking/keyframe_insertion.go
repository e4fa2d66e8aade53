package tracking

import "github.com/udrg/ORB-SLAM/mapmodel"

// needNewKeyFrame evaluates the four keyframe-insertion criteria, all of
// which must hold for a KeyFrame to be inserted: LocalMapping isn't paused,
// enough frames have passed (or LocalMapping is idle), tracking quality has
// dropped relative to the reference KeyFrame without falling too low, and
// either a relocalization is far enough in the past or the map is still
// small.
func (t *Tracking) needNewKeyFrame(m *mapmodel.Map, inliers int) bool {
	if t.localMapping.IsStopped() {
		return false
	}

	nKFs := m.KeyFrameCount()

	timingOK := t.framesSinceKeyFrame >= t.cfg.MaxFrames ||
		(t.framesSinceKeyFrame >= t.cfg.MinFrames && t.localMapping.IsIdle())
	if !timingOK {
		return false
	}

	ratioOK := true
	if t.referenceKeyFrameTrackedCount > 0 {
		ratioOK = float64(inliers) < t.cfg.KeyframeInlierRatio*float64(t.referenceKeyFrameTrackedCount)
	}
	if !ratioOK || inliers <= t.cfg.KeyframeMinInliers {
		return false
	}

	if !(t.framesSinceReloc >= t.cfg.MaxFrames || nKFs <= t.cfg.MaxFrames) {
		return false
	}
	return true
}

// tryInsertKeyFrame evaluates needNewKeyFrame and, if it holds but
// LocalMapping is busy, interrupts its local bundle adjustment and skips
// insertion this frame rather than blocking Tracking on it.
func (t *Tracking) tryInsertKeyFrame(m *mapmodel.Map, frame *mapmodel.Frame, inliers int) {
	if !t.needNewKeyFrame(m, inliers) {
		return
	}
	if !t.localMapping.IsIdle() {
		t.localMapping.InterruptBA()
		return
	}

	kf := mapmodel.NewKeyFrame(m.NextKeyFrameID(), m.ID, frame, t.voc)
	m.AddKeyFrame(kf)

	for i := range frame.KeyPoints {
		landmarkID := frame.LandmarkAt(i)
		if landmarkID == 0 {
			continue
		}
		landmark, ok := m.Landmark(landmarkID)
		if !ok || landmark.IsBad() {
			continue
		}
		landmark.AddObservation(kf.ID, i)
	}
	if t.referenceKeyFrameID != 0 {
		if parent, ok := m.KeyFrame(t.referenceKeyFrameID); ok {
			kf.SetParent(t.referenceKeyFrameID)
			parent.AddChild(kf.ID)
		}
	}
	kf.UpdateConnections(m.ObserversOf, 0)

	t.localMapping.InsertKeyFrame(m.ID, kf.ID)

	t.referenceKeyFrameID = kf.ID
	t.referenceKeyFrameTrackedCount = inliers
	t.framesSinceKeyFrame = 0
}
