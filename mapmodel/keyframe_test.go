package mapmodel

import (
	"testing"

	"go.viam.com/test"
)

func newBareKeyFrame(id uint64, observations []uint64) *KeyFrame {
	return &KeyFrame{
		ID:           id,
		observations: observations,
		covisibility: map[uint64]int{},
		children:     map[uint64]bool{},
		loopEdges:    map[uint64]bool{},
	}
}

// TestUpdateConnectionsIsSymmetric builds three KeyFrames sharing Landmarks
// and checks that after every KeyFrame recomputes its connections, the
// covisibility weight is the same from either side.
func TestUpdateConnectionsIsSymmetric(t *testing.T) {
	landmarks := map[uint64]map[uint64]int{
		100: {1: 0, 2: 0},
		101: {1: 1, 2: 1, 3: 0},
		102: {2: 2, 3: 1},
	}
	observersOf := func(landmarkID uint64) map[uint64]int {
		return landmarks[landmarkID]
	}

	kf1 := newBareKeyFrame(1, []uint64{100, 101})
	kf2 := newBareKeyFrame(2, []uint64{100, 101, 102})
	kf3 := newBareKeyFrame(3, []uint64{101, 102})

	for _, kf := range []*KeyFrame{kf1, kf2, kf3} {
		kf.UpdateConnections(observersOf, 0)
	}

	test.That(t, kf1.Weight(2), test.ShouldEqual, kf2.Weight(1))
	test.That(t, kf2.Weight(3), test.ShouldEqual, kf3.Weight(2))
	test.That(t, kf1.Weight(3), test.ShouldEqual, kf3.Weight(1))
	test.That(t, kf1.Weight(2), test.ShouldEqual, 2)
	test.That(t, kf2.Weight(3), test.ShouldEqual, 2)
}

func TestUpdateConnectionsAssignsParentOnce(t *testing.T) {
	landmarks := map[uint64]map[uint64]int{
		100: {1: 0, 2: 0},
	}
	observersOf := func(landmarkID uint64) map[uint64]int {
		return landmarks[landmarkID]
	}

	kf1 := newBareKeyFrame(1, []uint64{100})
	kf1.UpdateConnections(observersOf, 0)
	parent, ok := kf1.Parent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, parent, test.ShouldEqual, uint64(2))

	kf1.SetParent(99)
	kf1.UpdateConnections(observersOf, 0)
	parent, ok = kf1.Parent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, parent, test.ShouldEqual, uint64(99))
}

func TestMinWeightFiltersWeakEdges(t *testing.T) {
	landmarks := map[uint64]map[uint64]int{
		100: {1: 0, 2: 0},
	}
	observersOf := func(landmarkID uint64) map[uint64]int {
		return landmarks[landmarkID]
	}
	kf1 := newBareKeyFrame(1, []uint64{100})
	kf1.UpdateConnections(observersOf, 2)
	test.That(t, kf1.Weight(2), test.ShouldEqual, 0)
	test.That(t, kf1.BestCovisibles(10), test.ShouldHaveLength, 0)
}

func TestBestCovisiblesOrderedDescending(t *testing.T) {
	landmarks := map[uint64]map[uint64]int{
		100: {1: 0, 2: 0, 3: 0},
		101: {1: 0, 2: 0},
	}
	observersOf := func(landmarkID uint64) map[uint64]int {
		return landmarks[landmarkID]
	}
	kf1 := newBareKeyFrame(1, []uint64{100, 101})
	kf1.UpdateConnections(observersOf, 0)
	best := kf1.BestCovisibles(10)
	test.That(t, best[0], test.ShouldEqual, uint64(2))
	test.That(t, best[1], test.ShouldEqual, uint64(3))
}

func TestChildrenAddAndErase(t *testing.T) {
	kf := newBareKeyFrame(1, nil)
	kf.AddChild(5)
	kf.AddChild(6)
	test.That(t, kf.Children(), test.ShouldHaveLength, 2)
	kf.EraseChild(5)
	test.That(t, kf.Children(), test.ShouldHaveLength, 1)
	test.That(t, kf.Children()[0], test.ShouldEqual, uint64(6))
}
