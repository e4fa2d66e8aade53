package loopclosing

import (
	"context"

	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// RunPoseGraphOptimization builds one SimNode per KeyFrame (scale-1
// Similarity lifted from its rigid pose) and SimEdges from the spanning
// tree, the covisibility graph, and every recorded loop edge, then writes
// the optimized poses back. The lowest-id KeyFrame in the Map anchors the
// graph. MapMerging reuses this unchanged for its own post-merge
// essential-graph pass.
func RunPoseGraphOptimization(ctx context.Context, pg nsolver.PoseGraphOptimizer, m *mapmodel.Map) error {
	keyFrames := m.AllKeyFrames()
	if len(keyFrames) < 2 {
		return nil
	}

	var anchorID uint64 = keyFrames[0].ID
	for _, kf := range keyFrames {
		if kf.ID < anchorID {
			anchorID = kf.ID
		}
	}

	nodes := make([]nsolver.SimNode, 0, len(keyFrames))
	for _, kf := range keyFrames {
		nodes = append(nodes, nsolver.SimNode{
			ID:    kf.ID,
			Sim:   liftPose(kf.Pose()),
			Fixed: kf.ID == anchorID,
		})
	}

	edges := buildEdges(keyFrames)
	if len(edges) == 0 {
		return nil
	}

	result, err := pg.Optimize(ctx, nodes, edges)
	if err != nil || result == nil {
		return err
	}

	for _, node := range result.Nodes {
		kf, ok := m.KeyFrame(node.ID)
		if !ok {
			continue
		}
		kf.SetPose(node.Sim.Pose())
	}
	return nil
}

func liftPose(p spatialmath.Pose) spatialmath.Similarity {
	return spatialmath.NewSimilarity(p.Point(), p.Orientation(), 1)
}

// buildEdges emits one SimEdge per spanning-tree link, per covisibility
// edge above a minimum weight, and per recorded loop edge, each carrying
// the relative similarity observed before optimization runs.
func buildEdges(keyFrames []*mapmodel.KeyFrame) []nsolver.SimEdge {
	byID := map[uint64]*mapmodel.KeyFrame{}
	for _, kf := range keyFrames {
		byID[kf.ID] = kf
	}

	seen := map[[2]uint64]bool{}
	var edges []nsolver.SimEdge
	addEdge := func(fromID, toID uint64, weight float64) {
		if fromID == toID {
			return
		}
		key := edgeKey(fromID, toID)
		if seen[key] {
			return
		}
		seen[key] = true
		from, ok1 := byID[fromID]
		to, ok2 := byID[toID]
		if !ok1 || !ok2 {
			return
		}
		relative := liftPose(from.Pose()).Invert().Compose(liftPose(to.Pose()))
		edges = append(edges, nsolver.SimEdge{From: fromID, To: toID, Relative: relative, Weight: weight})
	}

	for _, kf := range keyFrames {
		if parentID, ok := kf.Parent(); ok {
			addEdge(parentID, kf.ID, 1.0)
		}
		for _, otherID := range kf.AllCovisibles() {
			addEdge(kf.ID, otherID, float64(kf.Weight(otherID)))
		}
		for _, otherID := range kf.LoopEdges() {
			addEdge(kf.ID, otherID, 1.0)
		}
	}
	return edges
}

func edgeKey(a, b uint64) [2]uint64 {
	if a < b {
		return [2]uint64{a, b}
	}
	return [2]uint64{b, a}
}
