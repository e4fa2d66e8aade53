// Package nsolver defines the contract for the nonlinear pose-graph and
// bundle-adjustment solver LocalMapping and LoopClosing depend on. The
// solver itself is an external numeric library with a stated contract;
// this package is that boundary, plus a real go-nlopt-backed
// implementation split behind the same !no_cgo / no_cgo build tags the
// rest of the ecosystem uses for cgo-optional solvers.
package nsolver

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/udrg/ORB-SLAM/spatialmath"
)

// CameraBlock is one optimizable (or fixed) camera pose in a bundle
// adjustment problem.
type CameraBlock struct {
	ID    uint64
	Pose  spatialmath.Pose
	Fixed bool
}

// PointBlock is one optimizable (or fixed) 3D landmark position.
type PointBlock struct {
	ID       uint64
	Position r3.Vector
	Fixed    bool
}

// Observation is a single 2D keypoint measurement of a PointBlock from a
// CameraBlock, used to build the reprojection-error residual.
type Observation struct {
	CameraID   uint64
	PointID    uint64
	U, V       float64
	InvSigma2  float64 // per-octave measurement weight; 1.0 if unweighted.
}

// BAProblem is a local or full bundle adjustment problem: a window of
// camera poses and landmark positions linked by 2D observations.
type BAProblem struct {
	Cameras      []CameraBlock
	Points       []PointBlock
	Observations []Observation
	Fx, Fy       float64
	Cx, Cy       float64
	// Chi2Threshold marks an observation as an outlier (excluded from the
	// next refinement pass) when its squared reprojection error exceeds
	// this value.
	Chi2Threshold float64
}

// BAResult is the outcome of running a BundleAdjuster over a BAProblem.
type BAResult struct {
	Cameras  []CameraBlock
	Points   []PointBlock
	Outliers map[int]bool // index into BAProblem.Observations
}

// BundleAdjuster refines camera poses and landmark positions to minimize
// total reprojection error. LocalMapping runs it over a covisible window
// after every keyframe insertion; LoopClosing runs it over the whole Map,
// with only one anchor KeyFrame fixed, after a loop is confirmed.
type BundleAdjuster interface {
	Optimize(ctx context.Context, problem *BAProblem) (*BAResult, error)
}

// SimNode is one optimizable (or fixed) node in a similarity pose graph:
// a KeyFrame's corrected Sim(3) pose, used by LoopClosing's pose-graph
// optimization after a loop is confirmed.
type SimNode struct {
	ID    uint64
	Sim   spatialmath.Similarity
	Fixed bool
}

// SimEdge is a relative similarity constraint between two nodes: either a
// spanning-tree/covisibility edge (weight reflects shared observations) or
// the loop edge itself.
type SimEdge struct {
	From, To uint64
	Relative spatialmath.Similarity
	Weight   float64
}

// PoseGraphResult is the outcome of running a PoseGraphOptimizer.
type PoseGraphResult struct {
	Nodes []SimNode
}

// PoseGraphOptimizer distributes a loop closure's similarity correction
// across a map's spanning tree, minimizing the sum of squared relative-pose
// errors against the edge constraints.
type PoseGraphOptimizer interface {
	Optimize(ctx context.Context, nodes []SimNode, edges []SimEdge) (*PoseGraphResult, error)
}

// cameraParams returns the 6 optimizable scalars for a camera pose:
// translation xyz followed by the vector (imaginary) part of its rotation
// quaternion. The scalar part is reconstructed by renormalizing to a unit
// quaternion, which keeps the parameterization singularity-free for the
// small incremental rotations a local BA window produces.
func cameraParams(p spatialmath.Pose) [6]float64 {
	pt := p.Point()
	q := p.Orientation()
	return [6]float64{pt.X, pt.Y, pt.Z, q.Imag, q.Jmag, q.Kmag}
}

func poseFromParams(x []float64) spatialmath.Pose {
	real := 1 - x[3]*x[3] - x[4]*x[4] - x[5]*x[5]
	if real < 0 {
		real = 0
	}
	q := quat.Number{Real: math.Sqrt(real), Imag: x[3], Jmag: x[4], Kmag: x[5]}
	return spatialmath.NewPose(r3.Vector{X: x[0], Y: x[1], Z: x[2]}, q)
}

func freeIndices[T any](items []T, isFree func(T) bool) []int {
	var out []int
	for i, item := range items {
		if isFree(item) {
			out = append(out, i)
		}
	}
	return out
}

func packParams(cameras []CameraBlock, points []PointBlock, freeCameras, freePoints []int) []float64 {
	x := make([]float64, 0, 6*len(freeCameras)+3*len(freePoints))
	for _, i := range freeCameras {
		p := cameraParams(cameras[i].Pose)
		x = append(x, p[:]...)
	}
	for _, i := range freePoints {
		pt := points[i].Position
		x = append(x, pt.X, pt.Y, pt.Z)
	}
	return x
}

func unpackParams(x []float64, cameras []CameraBlock, points []PointBlock, freeCameras, freePoints []int) {
	offset := 0
	for _, i := range freeCameras {
		cameras[i].Pose = poseFromParams(x[offset : offset+6])
		offset += 6
	}
	for _, i := range freePoints {
		points[i].Position = r3.Vector{X: x[offset], Y: x[offset+1], Z: x[offset+2]}
		offset += 3
	}
}

func reprojectionCost(
	problem *BAProblem,
	cameras []CameraBlock,
	points []PointBlock,
	cameraIdx, pointIdx map[uint64]int,
	outliers map[int]bool,
) float64 {
	total := 0.0
	for i, obs := range problem.Observations {
		if outliers[i] {
			continue
		}
		cam := cameras[cameraIdx[obs.CameraID]]
		pt := points[pointIdx[obs.PointID]]

		local := cam.Pose.Transform(pt.Position)
		if local.Z <= 0 {
			total += problem.Chi2Threshold
			continue
		}
		predU := problem.Fx*local.X/local.Z + problem.Cx
		predV := problem.Fy*local.Y/local.Z + problem.Cy

		du := predU - obs.U
		dv := predV - obs.V
		weight := obs.InvSigma2
		if weight == 0 {
			weight = 1
		}
		total += weight * (du*du + dv*dv)
	}
	return total
}

func markOutliers(
	problem *BAProblem,
	cameras []CameraBlock,
	points []PointBlock,
	cameraIdx, pointIdx map[uint64]int,
	outliers map[int]bool,
) {
	for i, obs := range problem.Observations {
		cam := cameras[cameraIdx[obs.CameraID]]
		pt := points[pointIdx[obs.PointID]]

		local := cam.Pose.Transform(pt.Position)
		if local.Z <= 0 {
			outliers[i] = true
			continue
		}
		predU := problem.Fx*local.X/local.Z + problem.Cx
		predV := problem.Fy*local.Y/local.Z + problem.Cy
		du := predU - obs.U
		dv := predV - obs.V
		weight := obs.InvSigma2
		if weight == 0 {
			weight = 1
		}
		chi2 := weight * (du*du + dv*dv)
		outliers[i] = chi2 > problem.Chi2Threshold
	}
}

func packSimParams(nodes []SimNode, free []int) []float64 {
	x := make([]float64, 0, 7*len(free))
	for _, i := range free {
		s := nodes[i].Sim
		pt := s.Point()
		q := s.Orientation()
		x = append(x, pt.X, pt.Y, pt.Z, q.Imag, q.Jmag, q.Kmag, s.Scale())
	}
	return x
}

func unpackSimParams(x []float64, nodes []SimNode, free []int) {
	offset := 0
	for _, i := range free {
		p := x[offset : offset+7]
		real := 1 - p[3]*p[3] - p[4]*p[4] - p[5]*p[5]
		if real < 0 {
			real = 0
		}
		q := quat.Number{Real: math.Sqrt(real), Imag: p[3], Jmag: p[4], Kmag: p[5]}
		scale := p[6]
		if scale <= 0 {
			scale = 1e-6
		}
		nodes[i].Sim = spatialmath.NewSimilarity(r3.Vector{X: p[0], Y: p[1], Z: p[2]}, q, scale)
		offset += 7
	}
}

func simGraphCost(nodes []SimNode, edges []SimEdge, nodeIdx map[uint64]int) float64 {
	total := 0.0
	for _, e := range edges {
		from := nodes[nodeIdx[e.From]].Sim
		to := nodes[nodeIdx[e.To]].Sim

		predicted := from.Compose(e.Relative)
		diffPoint := predicted.Point().Sub(to.Point()).Norm()
		diffScale := predicted.Scale()/to.Scale() - 1
		weight := e.Weight
		if weight == 0 {
			weight = 1
		}
		total += weight * (diffPoint*diffPoint + diffScale*diffScale)
	}
	return total
}
