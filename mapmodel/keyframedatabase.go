package mapmodel

import (
	"sync"

	"github.com/udrg/ORB-SLAM/vocabulary"
)

// KeyFrameDatabase is the inverted index from visual word to the KeyFrames
// that contain it, used by SearchByBoW-style retrieval in Relocalization
// and LoopClosing. One KeyFrameDatabase belongs to exactly one Map.
type KeyFrameDatabase struct {
	mu    sync.Mutex
	index map[vocabulary.Word]map[uint64]bool
}

// NewKeyFrameDatabase returns an empty KeyFrameDatabase.
func NewKeyFrameDatabase() *KeyFrameDatabase {
	return &KeyFrameDatabase{index: map[vocabulary.Word]map[uint64]bool{}}
}

// Add indexes a KeyFrame under every visual word in its BoW vector.
func (db *KeyFrameDatabase) Add(kf *KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range kf.BoW {
		if db.index[word] == nil {
			db.index[word] = map[uint64]bool{}
		}
		db.index[word][kf.ID] = true
	}
}

// Erase removes a KeyFrame from every visual word bucket it was indexed
// under.
func (db *KeyFrameDatabase) Erase(kf *KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range kf.BoW {
		delete(db.index[word], kf.ID)
	}
}

// Candidates returns, for each KeyFrame id sharing at least one visual
// word with bow, the number of shared words. Callers filter this by a
// minimum shared-word count before running SearchByBoW-style geometric
// verification.
func (db *KeyFrameDatabase) Candidates(bow vocabulary.BoW) map[uint64]int {
	db.mu.Lock()
	defer db.mu.Unlock()
	counts := map[uint64]int{}
	for word := range bow {
		for id := range db.index[word] {
			counts[id]++
		}
	}
	return counts
}
