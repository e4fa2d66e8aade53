package mapmodel

import "sync"

// MapDatabase owns the set of Maps and designates exactly one of them
// current at any time a worker thread is in its WORKING state. Its
// internal lock guards the Map set and the current-Map designation; it is
// the outermost lock in the MapDatabase -> Map -> {KeyFrame | Landmark |
// KeyFrameDatabase} order, and the sole owner of the id generators shared
// across every Map so KeyFrame, Landmark and Map ids stay globally unique.
type MapDatabase struct {
	mu sync.RWMutex

	maps      map[uint64]*Map
	currentID uint64
	hasCurrent bool

	mapIDs      idGenerator
	keyFrameIDs idGenerator
	landmarkIDs idGenerator
}

// NewMapDatabase returns an empty MapDatabase with no current Map.
func NewMapDatabase() *MapDatabase {
	return &MapDatabase{maps: map[uint64]*Map{}}
}

// NewMap allocates a new Map, adds it to the database, and returns it
// without changing the current-Map designation. Callers that want the new
// Map to become current must call SetCurrent explicitly.
func (db *MapDatabase) NewMap() *Map {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.mapIDs.Next()
	m := newMap(id, &db.keyFrameIDs, &db.landmarkIDs)
	db.maps[id] = m
	return m
}

// Map looks up a Map by id.
func (db *MapDatabase) Map(id uint64) (*Map, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.maps[id]
	return m, ok
}

// Maps returns a snapshot of every non-erased Map.
func (db *MapDatabase) Maps() []*Map {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Map, 0, len(db.maps))
	for _, m := range db.maps {
		if !m.IsErased() {
			out = append(out, m)
		}
	}
	return out
}

// EraseMap logically deletes a Map. If it was current, there is no current
// Map until SetCurrent is called again; callers driving the
// tracking-loss-with-few-keyframes recovery path are responsible for
// picking or creating the next current Map.
func (db *MapDatabase) EraseMap(id uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.maps[id]; ok {
		m.SetErased()
	}
	if db.hasCurrent && db.currentID == id {
		db.hasCurrent = false
	}
}

// Current returns the current Map. ok is false if no Map is designated
// current, which must not happen while any worker thread is WORKING.
func (db *MapDatabase) Current() (m *Map, ok bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.hasCurrent {
		return nil, false
	}
	m, ok = db.maps[db.currentID]
	return m, ok
}

// SetCurrent designates id the current Map. The caller must hold whatever
// external coordination is needed to guarantee exactly one Map is current
// while any thread is WORKING (per Tracking's state machine, the last
// thread to transition into NOT_INITIALIZED after a tracking loss is the
// one that changes the designation).
func (db *MapDatabase) SetCurrent(id uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.currentID = id
	db.hasCurrent = true
}

// ClearCurrent removes the current-Map designation without erasing the
// Map itself.
func (db *MapDatabase) ClearCurrent() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hasCurrent = false
}
