package mapmodel

import (
	"testing"

	"go.viam.com/test"

	"github.com/udrg/ORB-SLAM/vocabulary"
)

func kfWithBoW(id uint64, words ...vocabulary.Word) *KeyFrame {
	kf := newBareKeyFrame(id, nil)
	kf.BoW = vocabulary.BoW{}
	for _, w := range words {
		kf.BoW[w] = 1
	}
	return kf
}

func TestCandidatesSharesWordCounts(t *testing.T) {
	db := NewKeyFrameDatabase()
	db.Add(kfWithBoW(1, 10, 11))
	db.Add(kfWithBoW(2, 11, 12))
	db.Add(kfWithBoW(3, 99))

	candidates := db.Candidates(vocabulary.BoW{10: 1, 11: 1})
	test.That(t, candidates[1], test.ShouldEqual, 2)
	test.That(t, candidates[2], test.ShouldEqual, 1)
	_, has3 := candidates[3]
	test.That(t, has3, test.ShouldBeFalse)
}

func TestEraseRemovesFromAllBuckets(t *testing.T) {
	db := NewKeyFrameDatabase()
	kf := kfWithBoW(1, 10, 11)
	db.Add(kf)
	db.Erase(kf)

	candidates := db.Candidates(vocabulary.BoW{10: 1, 11: 1})
	test.That(t, candidates, test.ShouldHaveLength, 0)
}
