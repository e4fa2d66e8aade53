//go:build !no_cgo

package nsolver

import (
	"context"

	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/udrg/ORB-SLAM/logging"
)

const (
	defaultMaxEval = 200
	defaultEpsilon = 1e-10
)

// NloptBundleAdjuster runs local/global bundle adjustment with nlopt's
// Nelder-Mead solver, minimizing total squared reprojection error over the
// non-fixed camera and point blocks.
type NloptBundleAdjuster struct {
	logger   logging.Logger
	maxEval  int
	numPasses int
}

// NewNloptBundleAdjuster returns a BundleAdjuster backed by nlopt. numPasses
// is the number of outlier-rejection refinement passes to run (LocalMapping
// and LoopClosing both re-optimize after discarding observations whose
// reprojection error exceeds Chi2Threshold).
func NewNloptBundleAdjuster(logger logging.Logger, numPasses int) *NloptBundleAdjuster {
	if numPasses < 1 {
		numPasses = 1
	}
	return &NloptBundleAdjuster{logger: logger, maxEval: defaultMaxEval, numPasses: numPasses}
}

// Optimize implements BundleAdjuster.
func (s *NloptBundleAdjuster) Optimize(ctx context.Context, problem *BAProblem) (*BAResult, error) {
	cameraIdx := map[uint64]int{}
	pointIdx := map[uint64]int{}
	for i, c := range problem.Cameras {
		cameraIdx[c.ID] = i
	}
	for i, p := range problem.Points {
		pointIdx[p.ID] = i
	}

	freeCameras := freeIndices(problem.Cameras, func(c CameraBlock) bool { return !c.Fixed })
	freePoints := freeIndices(problem.Points, func(p PointBlock) bool { return !p.Fixed })
	numParams := 6*len(freeCameras) + 3*len(freePoints)
	if numParams == 0 {
		return &BAResult{Cameras: problem.Cameras, Points: problem.Points, Outliers: map[int]bool{}}, nil
	}

	cameras := append([]CameraBlock{}, problem.Cameras...)
	points := append([]PointBlock{}, problem.Points...)
	outliers := map[int]bool{}

	for pass := 0; pass < s.numPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x0 := packParams(cameras, points, freeCameras, freePoints)

		opt, err := nlopt.NewNLopt(nlopt.LN_NELDERMEAD, uint(numParams))
		if err != nil {
			return nil, errors.Wrap(err, "nlopt creation error")
		}
		defer opt.Destroy()

		costFn := func(x, gradient []float64) float64 {
			unpackParams(x, cameras, points, freeCameras, freePoints)
			return reprojectionCost(problem, cameras, points, cameraIdx, pointIdx, outliers)
		}

		if err := multierr.Combine(
			opt.SetMinObjective(costFn),
			opt.SetFtolRel(defaultEpsilon),
			opt.SetXtolRel(defaultEpsilon),
			opt.SetMaxEval(s.maxEval),
		); err != nil {
			return nil, errors.Wrap(err, "nlopt configuration error")
		}

		solution, _, err := opt.Optimize(x0)
		if err != nil && s.logger != nil {
			s.logger.Debugw("nlopt did not fully converge", "pass", pass, "error", err)
		}
		if solution != nil {
			unpackParams(solution, cameras, points, freeCameras, freePoints)
		}

		markOutliers(problem, cameras, points, cameraIdx, pointIdx, outliers)
	}

	return &BAResult{Cameras: cameras, Points: points, Outliers: outliers}, nil
}

// NloptPoseGraphOptimizer distributes a loop/merge correction across a
// map's spanning tree using nlopt, minimizing the sum of squared relative
// Sim(3) errors against the edge set.
type NloptPoseGraphOptimizer struct {
	logger  logging.Logger
	maxEval int
}

// NewNloptPoseGraphOptimizer returns a PoseGraphOptimizer backed by nlopt.
func NewNloptPoseGraphOptimizer(logger logging.Logger) *NloptPoseGraphOptimizer {
	return &NloptPoseGraphOptimizer{logger: logger, maxEval: defaultMaxEval}
}

// Optimize implements PoseGraphOptimizer.
func (s *NloptPoseGraphOptimizer) Optimize(ctx context.Context, nodes []SimNode, edges []SimEdge) (*PoseGraphResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodeIdx := map[uint64]int{}
	var free []int
	for i, n := range nodes {
		nodeIdx[n.ID] = i
		if !n.Fixed {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return &PoseGraphResult{Nodes: nodes}, nil
	}

	result := append([]SimNode{}, nodes...)
	numParams := 7 * len(free)

	opt, err := nlopt.NewNLopt(nlopt.LN_NELDERMEAD, uint(numParams))
	if err != nil {
		return nil, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	x0 := packSimParams(result, free)
	costFn := func(x, gradient []float64) float64 {
		unpackSimParams(x, result, free)
		return simGraphCost(result, edges, nodeIdx)
	}

	if err := multierr.Combine(
		opt.SetMinObjective(costFn),
		opt.SetFtolRel(defaultEpsilon),
		opt.SetXtolRel(defaultEpsilon),
		opt.SetMaxEval(s.maxEval),
	); err != nil {
		return nil, errors.Wrap(err, "nlopt configuration error")
	}

	solution, _, err := opt.Optimize(x0)
	if err != nil && s.logger != nil {
		s.logger.Debugw("nlopt pose graph did not fully converge", "error", err)
	}
	if solution != nil {
		unpackSimParams(solution, result, free)
	}

	return &PoseGraphResult{Nodes: result}, nil
}
