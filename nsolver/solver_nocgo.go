//go:build no_cgo

package nsolver

import (
	"context"

	"github.com/pkg/errors"

	"github.com/udrg/ORB-SLAM/logging"
)

// NloptBundleAdjuster mimics the type in the cgo-compiled build; it cannot
// actually solve anything on a no_cgo build.
type NloptBundleAdjuster struct{}

// NewNloptBundleAdjuster returns a BundleAdjuster that refuses to solve.
func NewNloptBundleAdjuster(logger logging.Logger, numPasses int) *NloptBundleAdjuster {
	return &NloptBundleAdjuster{}
}

// Optimize refuses to solve without cgo.
func (s *NloptBundleAdjuster) Optimize(ctx context.Context, problem *BAProblem) (*BAResult, error) {
	return nil, errors.New("nlopt is not supported on this build")
}

// NloptPoseGraphOptimizer mimics the type in the cgo-compiled build.
type NloptPoseGraphOptimizer struct{}

// NewNloptPoseGraphOptimizer returns a PoseGraphOptimizer that refuses to
// solve.
func NewNloptPoseGraphOptimizer(logger logging.Logger) *NloptPoseGraphOptimizer {
	return &NloptPoseGraphOptimizer{}
}

// Optimize refuses to solve without cgo.
func (s *NloptPoseGraphOptimizer) Optimize(ctx context.Context, nodes []SimNode, edges []SimEdge) (*PoseGraphResult, error) {
	return nil, errors.New("nlopt is not supported on this build")
}
