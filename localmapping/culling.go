package localmapping

import "github.com/udrg/ORB-SLAM/mapmodel"

// cullLandmarks removes Landmarks created within the last CullingWindow
// processed KeyFrames whose found/visible ratio is too low or whose
// observer count is too small. Landmarks that survive to the edge of the
// window are dropped from tracking and never rechecked.
func (lm *LocalMapping) cullLandmarks(m *mapmodel.Map, currentCount uint64) {
	lm.mu.Lock()
	birthsCopy := make(map[uint64]uint64, len(lm.newLandmarks))
	for id, birth := range lm.newLandmarks {
		birthsCopy[id] = birth
	}
	lm.mu.Unlock()

	var graduated, culled []uint64
	for landmarkID, birth := range birthsCopy {
		age := currentCount - birth
		l, ok := m.Landmark(landmarkID)
		if !ok || l.IsBad() {
			graduated = append(graduated, landmarkID)
			continue
		}
		if l.FoundRatio() < lm.cfg.NewLandmarkMinFoundRatio || len(l.Observations()) < lm.cfg.NewLandmarkMinObservers {
			m.EraseLandmark(landmarkID)
			culled = append(culled, landmarkID)
			continue
		}
		if age >= uint64(lm.cfg.CullingWindow) {
			graduated = append(graduated, landmarkID)
		}
	}

	lm.mu.Lock()
	for _, id := range graduated {
		delete(lm.newLandmarks, id)
	}
	for _, id := range culled {
		delete(lm.newLandmarks, id)
	}
	lm.mu.Unlock()
}

// cullRedundantKeyFrames marks bad any local KeyFrame (the current
// KeyFrame's covisibles) where at least RedundancyRatio of its Landmarks
// are each observed by RedundancyObserverCount or more other KeyFrames at
// an equal-or-finer pyramid scale.
func (lm *LocalMapping) cullRedundantKeyFrames(m *mapmodel.Map, kf *mapmodel.KeyFrame) {
	for _, candidateID := range kf.AllCovisibles() {
		candidate, ok := m.KeyFrame(candidateID)
		if !ok || candidate.IsBad() {
			continue
		}
		if lm.isRedundant(m, candidate) {
			m.EraseKeyFrame(candidateID)
		}
	}
}

func (lm *LocalMapping) isRedundant(m *mapmodel.Map, kf *mapmodel.KeyFrame) bool {
	observations := kf.Observations()
	total := 0
	redundant := 0
	for i, landmarkID := range observations {
		if landmarkID == 0 {
			continue
		}
		l, ok := m.Landmark(landmarkID)
		if !ok || l.IsBad() {
			continue
		}
		total++

		octave := 0
		if i < len(kf.KeyPoints) {
			octave = kf.KeyPoints[i].Octave
		}

		others := 0
		for otherID, otherIdx := range l.Observations() {
			if otherID == kf.ID {
				continue
			}
			other, ok := m.KeyFrame(otherID)
			if !ok || other.IsBad() {
				continue
			}
			otherOctave := 0
			if otherIdx < len(other.KeyPoints) {
				otherOctave = other.KeyPoints[otherIdx].Octave
			}
			if otherOctave <= octave {
				others++
			}
		}
		if others >= lm.cfg.RedundancyObserverCount {
			redundant++
		}
	}
	if total == 0 {
		return false
	}
	return float64(redundant)/float64(total) >= lm.cfg.RedundancyRatio
}
