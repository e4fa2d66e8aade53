package mapmodel

import "sync"

// Map owns a set of KeyFrames and Landmarks, a KeyFrameDatabase, and an
// "erased" flag for logical deletion. Its mutex guards the KeyFrame/
// Landmark sets, spanning-tree edits (re-parenting on erase) and the
// reference-landmark list; individual KeyFrames and Landmarks have their
// own locks for everything else, per the lock order MapDatabase -> Map ->
// {KeyFrame | Landmark | KeyFrameDatabase}.
type Map struct {
	ID uint64

	mu sync.RWMutex

	keyFrames map[uint64]*KeyFrame
	landmarks map[uint64]*Landmark
	kfDB      *KeyFrameDatabase

	referenceLandmarks []uint64

	erased bool

	keyFrameIDs *idGenerator
	landmarkIDs *idGenerator
}

// newMap allocates an empty Map. Called by MapDatabase, which owns the id
// generators shared across all Maps.
func newMap(id uint64, keyFrameIDs, landmarkIDs *idGenerator) *Map {
	return &Map{
		ID:          id,
		keyFrames:   map[uint64]*KeyFrame{},
		landmarks:   map[uint64]*Landmark{},
		kfDB:        NewKeyFrameDatabase(),
		keyFrameIDs: keyFrameIDs,
		landmarkIDs: landmarkIDs,
	}
}

// KeyFrameDatabase returns this Map's inverted index.
func (m *Map) KeyFrameDatabase() *KeyFrameDatabase {
	return m.kfDB
}

// NextKeyFrameID allocates a new globally-unique KeyFrame id.
func (m *Map) NextKeyFrameID() uint64 {
	return m.keyFrameIDs.Next()
}

// NextLandmarkID allocates a new globally-unique Landmark id.
func (m *Map) NextLandmarkID() uint64 {
	return m.landmarkIDs.Next()
}

// AddKeyFrame inserts a KeyFrame and indexes it in the KeyFrameDatabase.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	m.keyFrames[kf.ID] = kf
	m.mu.Unlock()
	m.kfDB.Add(kf)
}

// AddLandmark inserts a Landmark.
func (m *Map) AddLandmark(l *Landmark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarks[l.ID] = l
}

// KeyFrame looks up a KeyFrame by id.
func (m *Map) KeyFrame(id uint64) (*KeyFrame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyFrames[id]
	return kf, ok
}

// Landmark looks up a Landmark by id.
func (m *Map) Landmark(id uint64) (*Landmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.landmarks[id]
	return l, ok
}

// KeyFrames returns a snapshot of every non-bad KeyFrame.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		if !kf.IsBad() {
			out = append(out, kf)
		}
	}
	return out
}

// AllKeyFrames returns a snapshot of every KeyFrame, including bad ones.
func (m *Map) AllKeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		out = append(out, kf)
	}
	return out
}

// Landmarks returns a snapshot of every non-bad Landmark.
func (m *Map) Landmarks() []*Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Landmark, 0, len(m.landmarks))
	for _, l := range m.landmarks {
		if !l.IsBad() {
			out = append(out, l)
		}
	}
	return out
}

// KeyFrameCount returns the number of KeyFrames in the Map, bad ones
// included, used by the early-tracking-loss map-erase check.
func (m *Map) KeyFrameCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames)
}

// ObserversOf returns the set of KeyFrame ids currently observing
// Landmark id, as the keypoint-index map Landmark.Observations exposes.
// Passed to KeyFrame.UpdateConnections to keep covisibility computation
// inside the Map -> KeyFrame lock order without KeyFrame reaching back
// into Map.
func (m *Map) ObserversOf(landmarkID uint64) map[uint64]int {
	l, ok := m.Landmark(landmarkID)
	if !ok {
		return nil
	}
	return l.Observations()
}

// EraseKeyFrame marks a KeyFrame bad, removes it from the KeyFrameDatabase,
// erases its observations from every Landmark it observed, removes it from
// its covisible neighbors' edges, and re-parents its spanning-tree
// children onto its own parent. If it has no parent, its children's parent
// links are left unchanged.
func (m *Map) EraseKeyFrame(id uint64) {
	kf, ok := m.KeyFrame(id)
	if !ok || kf.IsBad() {
		return
	}

	for _, landmarkID := range kf.Observations() {
		if landmarkID == 0 {
			continue
		}
		if l, ok := m.Landmark(landmarkID); ok {
			if l.EraseObservation(id) {
				l.SetBad()
			}
		}
	}

	for _, otherID := range kf.AllCovisibles() {
		if other, ok := m.KeyFrame(otherID); ok {
			other.UpdateConnections(m.ObserversOf, 0)
		}
	}

	parentID, hasParent := kf.Parent()
	children := kf.Children()
	for _, childID := range children {
		child, ok := m.KeyFrame(childID)
		if !ok {
			continue
		}
		if hasParent {
			child.SetParent(parentID)
			if parent, ok := m.KeyFrame(parentID); ok {
				parent.AddChild(childID)
			}
		}
	}
	if hasParent {
		if parent, ok := m.KeyFrame(parentID); ok {
			parent.EraseChild(id)
		}
	}

	kf.SetBad()
	m.kfDB.Erase(kf)
}

// EraseLandmark marks a Landmark bad and removes its observations from
// every KeyFrame that referenced it.
func (m *Map) EraseLandmark(id uint64) {
	l, ok := m.Landmark(id)
	if !ok || l.IsBad() {
		return
	}
	for keyFrameID, kpIdx := range l.Observations() {
		if kf, ok := m.KeyFrame(keyFrameID); ok {
			kf.SetLandmarkAt(kpIdx, 0)
		}
	}
	l.SetBad()
}

// FuseLandmarks absorbs dropID's observations into keepID: every KeyFrame
// that observed dropID at some keypoint index now observes keepID there
// instead, and dropID is marked bad. Used by LoopClosing, MapMerging and
// LocalMapping's duplicate-fusion step when two Landmarks turn out to be
// the same physical point.
func (m *Map) FuseLandmarks(keepID, dropID uint64) {
	if keepID == dropID {
		return
	}
	keep, ok := m.Landmark(keepID)
	if !ok || keep.IsBad() {
		return
	}
	drop, ok := m.Landmark(dropID)
	if !ok || drop.IsBad() {
		return
	}

	for kfID, kpIdx := range drop.Observations() {
		kf, ok := m.KeyFrame(kfID)
		if !ok {
			continue
		}
		if kf.LandmarkAt(kpIdx) == dropID {
			kf.SetLandmarkAt(kpIdx, keepID)
		}
		keep.AddObservation(kfID, kpIdx)
	}
	drop.SetBad()
}

// ReferenceLandmarks returns the current local-map Landmark ids used for
// Tracking's track-local-map step.
func (m *Map) ReferenceLandmarks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.referenceLandmarks))
	copy(out, m.referenceLandmarks)
	return out
}

// SetReferenceLandmarks replaces the local-map Landmark id list.
func (m *Map) SetReferenceLandmarks(ids []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referenceLandmarks = ids
}

// IsErased reports whether this Map has been logically deleted.
func (m *Map) IsErased() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.erased
}

// SetErased marks this Map logically deleted.
func (m *Map) SetErased() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.erased = true
}
