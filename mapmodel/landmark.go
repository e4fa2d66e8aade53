package mapmodel

import (
	"sync"

	"github.com/golang/geo/r3"

	"github.com/udrg/ORB-SLAM/orbfeature"
)

// Landmark is a 3D point in world coordinates (called MapPoint in the
// original architecture). Its own mutex guards position, observations,
// counters and the bad flag, per the per-instance locking discipline.
type Landmark struct {
	ID uint64

	mu sync.RWMutex

	position r3.Vector
	normal   r3.Vector

	// observations maps KeyFrame id -> the index of the keypoint in that
	// KeyFrame that observes this Landmark.
	observations map[uint64]int
	// referenceKeyFrameID is the KeyFrame this Landmark's descriptor and
	// scale-distance bounds were computed from; it must be a key of
	// observations.
	referenceKeyFrameID uint64

	descriptor orbfeature.Descriptor

	minDistance float64
	maxDistance float64

	visible int
	found   int

	bad bool
}

// NewLandmark allocates a Landmark observed for the first time by
// refKeyFrameID at keypoint index kpIdx.
func NewLandmark(id uint64, position r3.Vector, refKeyFrameID uint64, kpIdx int) *Landmark {
	return &Landmark{
		ID:                   id,
		position:             position,
		observations:         map[uint64]int{refKeyFrameID: kpIdx},
		referenceKeyFrameID:  refKeyFrameID,
		visible:              1,
		found:                1,
	}
}

// Position returns the Landmark's world position.
func (l *Landmark) Position() r3.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.position
}

// SetPosition updates the Landmark's world position, e.g. after
// triangulation refinement or bundle adjustment.
func (l *Landmark) SetPosition(p r3.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = p
}

// Normal returns the Landmark's viewing-direction normal, the mean of the
// unit vectors from each observing KeyFrame's camera center to this point.
func (l *Landmark) Normal() r3.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.normal
}

// SetNormal updates the Landmark's normal.
func (l *Landmark) SetNormal(n r3.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.normal = n
}

// Descriptor returns the Landmark's representative descriptor.
func (l *Landmark) Descriptor() orbfeature.Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.descriptor
}

// SetDescriptor updates the Landmark's representative descriptor, chosen
// by the caller to minimize median Hamming distance to all observations.
func (l *Landmark) SetDescriptor(d orbfeature.Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.descriptor = d
}

// DistanceBounds returns the min/max valid observation distance, derived
// from the scale pyramid octave the Landmark was first observed at.
func (l *Landmark) DistanceBounds() (min, max float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minDistance, l.maxDistance
}

// SetDistanceBounds updates the min/max valid observation distance.
func (l *Landmark) SetDistanceBounds(min, max float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minDistance, l.maxDistance = min, max
}

// AddObservation records that KeyFrame id observes this Landmark at
// keypoint index kpIdx. If the Landmark had no prior observations,
// keyFrameID also becomes the reference KeyFrame.
func (l *Landmark) AddObservation(keyFrameID uint64, kpIdx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.observations == nil {
		l.observations = map[uint64]int{}
	}
	if _, first := l.observations[keyFrameID]; !first && len(l.observations) == 0 {
		l.referenceKeyFrameID = keyFrameID
	}
	l.observations[keyFrameID] = kpIdx
}

// EraseObservation removes KeyFrame id's observation of this Landmark. If
// it was the reference KeyFrame and other observations remain, an
// arbitrary remaining one becomes the new reference. Returns true if the
// Landmark has no observations left, in which case the caller should mark
// it bad.
func (l *Landmark) EraseObservation(keyFrameID uint64) (nowEmpty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.observations, keyFrameID)
	if len(l.observations) == 0 {
		return true
	}
	if l.referenceKeyFrameID == keyFrameID {
		for id := range l.observations {
			l.referenceKeyFrameID = id
			break
		}
	}
	return false
}

// Observations returns a snapshot copy of the KeyFrame id -> keypoint
// index map.
func (l *Landmark) Observations() map[uint64]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[uint64]int, len(l.observations))
	for k, v := range l.observations {
		out[k] = v
	}
	return out
}

// ReferenceKeyFrameID returns the KeyFrame id this Landmark's descriptor
// and distance bounds are computed relative to.
func (l *Landmark) ReferenceKeyFrameID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.referenceKeyFrameID
}

// IncrementVisible records that this Landmark was in a Frame's viewing
// frustum, whether or not it was actually matched.
func (l *Landmark) IncrementVisible(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible += n
}

// IncrementFound records that this Landmark was successfully matched in a
// Frame.
func (l *Landmark) IncrementFound(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.found += n
}

// FoundRatio returns found/visible, the stability score used to decide
// whether a recently created Landmark survives culling.
func (l *Landmark) FoundRatio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.visible == 0 {
		return 0
	}
	return float64(l.found) / float64(l.visible)
}

// IsBad reports whether this Landmark has been logically deleted.
func (l *Landmark) IsBad() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bad
}

// SetBad marks this Landmark logically deleted. Callers must have already
// erased its observations from the owning KeyFrames.
func (l *Landmark) SetBad() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bad = true
}
