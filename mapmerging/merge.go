package mapmerging

import (
	"context"
	"time"

	"github.com/golang/geo/r3"

	"github.com/udrg/ORB-SLAM/loopclosing"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// merge pauses LocalMapping and LoopClosing, transforms other's KeyFrames
// and Landmarks into m's frame by the inverse of sim (sim maps m's
// coordinates onto other's), absorbs them into m, fuses duplicates around
// the seam, erases other from the database, and re-runs essential-graph
// optimization over the combined Map.
func (mm *MapMerging) merge(ctx context.Context, m, other *mapmodel.Map, matchID uint64, sim spatialmath.Similarity) {
	mm.lm.RequestStop()
	mm.lc.RequestStop()
	for !mm.lm.IsStopped() || !mm.lc.IsStopped() {
		time.Sleep(time.Millisecond)
	}
	defer mm.lm.Release()
	defer mm.lc.Release()

	idMap := mm.absorb(m, other, sim.Invert())

	match, ok := m.KeyFrame(idMap.keyFrames[matchID])
	if ok {
		mm.fuseAroundSeam(m, match)
	}

	mm.db.EraseMap(other.ID)

	if err := loopclosing.RunPoseGraphOptimization(ctx, mm.pg, m); err != nil {
		mm.logger.Debugf("post-merge pose graph optimization did not converge: %v", err)
	}
}

// idRemap records how other's ids were renumbered while folding into m,
// since both Maps mint ids independently and a collision is possible.
type idRemap struct {
	keyFrames map[uint64]uint64
	landmarks map[uint64]uint64
}

// absorb copies every KeyFrame and Landmark from other into m, transformed
// by sim, renumbering ids as needed and rebuilding covisibility. Landmarks
// are created lazily on first encounter so each gets a real reference
// KeyFrame/keypoint-index pair instead of a synthetic one.
func (mm *MapMerging) absorb(m, other *mapmodel.Map, sim spatialmath.Similarity) idRemap {
	remap := idRemap{keyFrames: map[uint64]uint64{}, landmarks: map[uint64]uint64{}}

	for _, kf := range other.AllKeyFrames() {
		newID := m.NextKeyFrameID()
		remap.keyFrames[kf.ID] = newID
		// kf.Pose() is Tcw: the new pose applies sim's inverse before Tcw,
		// with the translation rescaled so the camera frame stays metric.
		corrected := sim.Invert().Compose(liftPose(kf.Pose()))
		correctedPose := spatialmath.NewPose(corrected.Point().Mul(sim.Scale()), corrected.Orientation())

		frame := mapmodel.NewFrame(kf.ID, kf.Timestamp, kf.Intrinsics, kf.Distortion)
		frame.KeyPoints = kf.KeyPoints
		frame.Descriptors = kf.Descriptors
		frame.SetPose(correctedPose)

		promoted := mapmodel.NewKeyFrame(newID, m.ID, frame, mm.voc)
		promoted.SetPose(correctedPose)

		for i, oldLandmarkID := range kf.Observations() {
			if oldLandmarkID == 0 {
				continue
			}
			newLandmarkID, ok := remap.landmarks[oldLandmarkID]
			if !ok {
				oldLandmark, ok := other.Landmark(oldLandmarkID)
				if !ok || oldLandmark.IsBad() {
					continue
				}
				newLandmarkID = m.NextLandmarkID()
				transformed := mapmodel.NewLandmark(newLandmarkID, sim.Transform(oldLandmark.Position()), newID, i)
				transformed.SetDescriptor(oldLandmark.Descriptor())
				minD, maxD := oldLandmark.DistanceBounds()
				transformed.SetDistanceBounds(minD*sim.Scale(), maxD*sim.Scale())
				m.AddLandmark(transformed)
				remap.landmarks[oldLandmarkID] = newLandmarkID
			} else if landmark, ok := m.Landmark(newLandmarkID); ok {
				landmark.AddObservation(newID, i)
			}
			promoted.SetLandmarkAt(i, newLandmarkID)
		}

		m.AddKeyFrame(promoted)
	}

	for _, kf := range other.AllKeyFrames() {
		newID := remap.keyFrames[kf.ID]
		promoted, ok := m.KeyFrame(newID)
		if !ok {
			continue
		}
		if parentID, ok := kf.Parent(); ok {
			if newParentID, ok := remap.keyFrames[parentID]; ok {
				promoted.SetParent(newParentID)
				if parent, ok := m.KeyFrame(newParentID); ok {
					parent.AddChild(newID)
				}
			}
		}
		promoted.UpdateConnections(m.ObserversOf, 0)
	}

	return remap
}

func liftPose(p spatialmath.Pose) spatialmath.Similarity {
	return spatialmath.NewSimilarity(p.Point(), p.Orientation(), 1)
}

// fuseAroundSeam looks for Landmark duplicates between the absorbed
// KeyFrames and the existing ones around matchKF, mirroring LoopClosing's
// own seam-fusion pass.
func (mm *MapMerging) fuseAroundSeam(m *mapmodel.Map, matchKF *mapmodel.KeyFrame) {
	window := append([]uint64{matchKF.ID}, matchKF.BestCovisibles(10)...)
	for _, kfID := range window {
		kf, ok := m.KeyFrame(kfID)
		if !ok || kf.IsBad() {
			continue
		}
		for i, landmarkID := range kf.Observations() {
			if landmarkID == 0 || i >= len(kf.Descriptors) {
				continue
			}
			landmark, ok := m.Landmark(landmarkID)
			if !ok || landmark.IsBad() {
				continue
			}
			if dupID, ok := mm.findDuplicate(m, kf.Descriptors[i], landmark.Position(), landmarkID); ok {
				m.FuseLandmarks(dupID, landmarkID)
			}
		}
	}
}

func (mm *MapMerging) findDuplicate(m *mapmodel.Map, query orbfeature.Descriptor, pos r3.Vector, excludeID uint64) (uint64, bool) {
	best := uint64(0)
	bestDist := mm.cfg.DescriptorMatchThreshold + 1
	for _, other := range m.Landmarks() {
		if other.ID == excludeID || other.IsBad() {
			continue
		}
		if pos.Sub(other.Position()).Norm2() > mm.cfg.FuseSearchRadius*mm.cfg.FuseSearchRadius {
			continue
		}
		d := orbfeature.HammingDistance(query, other.Descriptor())
		if d < bestDist {
			bestDist = d
			best = other.ID
		}
	}
	return best, best != 0
}
