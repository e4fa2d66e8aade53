package tracking

import (
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// CommitRelocalization implements TrackingSink. It's called by
// Relocalization on success: the recovered pose is committed to frame, the
// candidate's Map becomes current again, and Tracking resumes in WORKING
// with its motion model cleared and its since-relocalization counter reset.
func (t *Tracking) CommitRelocalization(mapID, keyFrameID uint64, pose spatialmath.Pose, frame *mapmodel.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.relocalizing {
		return
	}

	frame.SetPose(pose)
	t.db.SetCurrent(mapID)
	t.mapID = mapID
	t.referenceKeyFrameID = keyFrameID
	t.referenceKeyFrameTrackedCount = 0
	if m, ok := t.db.Map(mapID); ok {
		if kf, ok := m.KeyFrame(keyFrameID); ok {
			count := 0
			for _, landmarkID := range kf.Observations() {
				if landmarkID != 0 {
					count++
				}
			}
			t.referenceKeyFrameTrackedCount = count
		}
	}

	t.lastFrame = frame
	t.hasVelocity = false
	t.framesSinceKeyFrame = 0
	t.framesSinceReloc = 0
	t.everRelocalized = true
	t.relocalizing = false
	t.state = StateWorking

	t.logger.Infof("relocalized against map %d keyframe %d", mapID, keyFrameID)
}
