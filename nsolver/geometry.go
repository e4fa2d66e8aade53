package nsolver

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/spatialmath"
)

// TwoViewCorrespondence is one matched keypoint pair between a reference
// frame and the current frame, in pixel coordinates.
type TwoViewCorrespondence struct {
	U1, V1 float64
	U2, V2 float64
}

// TwoViewResult is the outcome of recovering relative pose between two
// views for Tracking's initialization step: the second camera's pose
// relative to the first (the first camera's pose is always identity, so
// this also serves directly as the second KeyFrame's Tcw) and the
// triangulated position of every accepted correspondence.
type TwoViewResult struct {
	Pose    spatialmath.Pose
	Points  []r3.Vector
	Inliers []bool
}

// TwoViewSolver recovers a two-view relative pose up to scale.
// EssentialTwoViewSolver is the shipped implementation, grounded on the
// normalized 8-point algorithm.
type TwoViewSolver interface {
	Recover(correspondences []TwoViewCorrespondence, intr *camera.Intrinsics) (*TwoViewResult, error)
}

// EssentialTwoViewSolver recovers relative pose via the normalized 8-point
// essential-matrix algorithm, with RANSAC outlier rejection and a
// cheirality-checked decomposition into one of the four (R, t) candidates.
type EssentialTwoViewSolver struct {
	MaxIterations int
	Chi2Threshold float64 // approximate squared pixel reprojection tolerance
	Rand          *rand.Rand
}

// NewEssentialTwoViewSolver returns a TwoViewSolver with the component
// design's defaults.
func NewEssentialTwoViewSolver() *EssentialTwoViewSolver {
	return &EssentialTwoViewSolver{MaxIterations: 200, Chi2Threshold: 4.0}
}

// Recover implements TwoViewSolver.
func (s *EssentialTwoViewSolver) Recover(correspondences []TwoViewCorrespondence, intr *camera.Intrinsics) (*TwoViewResult, error) {
	const minPoints = 8
	if len(correspondences) < minPoints {
		return nil, errors.New("nsolver: need at least 8 correspondences for two-view initialization")
	}

	rnd := s.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = 200
	}
	chi2 := s.Chi2Threshold
	if chi2 <= 0 {
		chi2 = 4.0
	}

	p1 := make([][2]float64, len(correspondences))
	p2 := make([][2]float64, len(correspondences))
	for i, c := range correspondences {
		p1[i] = [2]float64{(c.U1 - intr.Cx) / intr.Fx, (c.V1 - intr.Cy) / intr.Fy}
		p2[i] = [2]float64{(c.U2 - intr.Cx) / intr.Fx, (c.V2 - intr.Cy) / intr.Fy}
	}

	bestInliers := 0
	var bestE *mat.Dense
	var bestMask []bool

	for iter := 0; iter < maxIter; iter++ {
		sample := sampleIndices(rnd, len(correspondences), minPoints)
		e := estimateEssential(p1, p2, sample)
		if e == nil {
			continue
		}
		mask, count := scoreEssential(e, p1, p2, intr, chi2)
		if count > bestInliers {
			bestInliers, bestE, bestMask = count, e, mask
		}
	}
	if bestE == nil || bestInliers < minPoints {
		return nil, errors.New("nsolver: essential matrix estimation found no consistent model")
	}

	if refit := estimateEssential(p1, p2, maskIndices(bestMask)); refit != nil {
		if mask, count := scoreEssential(refit, p1, p2, intr, chi2); count >= bestInliers {
			bestE, bestMask, bestInliers = refit, mask, count
		}
	}

	pose, points, ok := decomposeEssential(bestE, p1, p2, bestMask)
	if !ok {
		return nil, errors.New("nsolver: essential matrix decomposition failed the cheirality check")
	}
	return &TwoViewResult{Pose: pose, Points: points, Inliers: bestMask}, nil
}

// estimateEssential solves the normalized 8-point linear system over the
// sampled correspondences and projects the result onto the essential-matrix
// manifold (singular values (1, 1, 0)).
func estimateEssential(p1, p2 [][2]float64, idx []int) *mat.Dense {
	if len(idx) < 8 {
		return nil
	}
	data := make([]float64, 0, len(idx)*9)
	for _, i := range idx {
		x1, y1 := p1[i][0], p1[i][1]
		x2, y2 := p2[i][0], p2[i][1]
		data = append(data, x2*x1, x2*y1, x2, y2*x1, y2*y1, y2, x1, y1, 1)
	}
	a := mat.NewDense(len(idx), 9, data)

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	v := new(mat.Dense)
	svd.VTo(v)
	evec := mat.Col(nil, 8, v)
	e := mat.NewDense(3, 3, evec)
	return enforceEssentialConstraints(e)
}

// enforceEssentialConstraints projects a raw 3x3 matrix onto the closest
// matrix with singular values (1, 1, 0), the algebraic shape every
// essential matrix must have.
func enforceEssentialConstraints(e *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(e, mat.SVDFull) {
		return nil
	}
	u := new(mat.Dense)
	svd.UTo(u)
	v := new(mat.Dense)
	svd.VTo(v)
	sigma := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 0})

	var tmp, out mat.Dense
	tmp.Mul(u, sigma)
	out.Mul(&tmp, v.T())
	return &out
}

// epipolarResidual returns the algebraic epipolar constraint residual
// x2^T E x1 and the Sampson-distance denominator for a correspondence in
// normalized image coordinates.
func epipolarResidual(e *mat.Dense, x1, y1, x2, y2 float64) (r, denom float64) {
	ex1 := [3]float64{
		e.At(0, 0)*x1 + e.At(0, 1)*y1 + e.At(0, 2),
		e.At(1, 0)*x1 + e.At(1, 1)*y1 + e.At(1, 2),
		e.At(2, 0)*x1 + e.At(2, 1)*y1 + e.At(2, 2),
	}
	etx2 := [3]float64{
		e.At(0, 0)*x2 + e.At(1, 0)*y2 + e.At(2, 0),
		e.At(0, 1)*x2 + e.At(1, 1)*y2 + e.At(2, 1),
		e.At(0, 2)*x2 + e.At(1, 2)*y2 + e.At(2, 2),
	}
	r = x2*ex1[0] + y2*ex1[1] + ex1[2]
	denom = ex1[0]*ex1[0] + ex1[1]*ex1[1] + etx2[0]*etx2[0] + etx2[1]*etx2[1]
	return r, denom
}

// scoreEssential returns the inlier mask and count under the Sampson
// distance, rescaled from normalized coordinates to an approximate pixel^2
// error so chi2 reads in the same units the rest of the pipeline uses.
func scoreEssential(e *mat.Dense, p1, p2 [][2]float64, intr *camera.Intrinsics, chi2 float64) ([]bool, int) {
	focal := (intr.Fx + intr.Fy) / 2
	mask := make([]bool, len(p1))
	count := 0
	for i := range p1 {
		r, denom := epipolarResidual(e, p1[i][0], p1[i][1], p2[i][0], p2[i][1])
		if denom <= 1e-12 {
			continue
		}
		pixelErr := (r * r / denom) * focal * focal
		if pixelErr < chi2 {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// decomposeEssential extracts the four (R, t) candidates implicit in an
// essential matrix's SVD and picks the one under which the most inlier
// correspondences triangulate to positive depth in both views.
func decomposeEssential(e *mat.Dense, p1, p2 [][2]float64, mask []bool) (spatialmath.Pose, []r3.Vector, bool) {
	var svd mat.SVD
	if !svd.Factorize(e, mat.SVDFull) {
		return spatialmath.Pose{}, nil, false
	}
	u := new(mat.Dense)
	svd.UTo(u)
	v := new(mat.Dense)
	svd.VTo(v)
	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})

	var r1, r2 mat.Dense
	r1.Mul(u, w)
	r1.Mul(&r1, v.T())
	r2.Mul(u, w.T())
	r2.Mul(&r2, v.T())
	if mat.Det(&r1) < 0 {
		r1.Scale(-1, &r1)
	}
	if mat.Det(&r2) < 0 {
		r2.Scale(-1, &r2)
	}

	tcol := mat.Col(nil, 2, u)
	t := r3.Vector{X: tcol[0], Y: tcol[1], Z: tcol[2]}.Normalize()

	candidates := []struct {
		r *mat.Dense
		t r3.Vector
	}{
		{&r1, t}, {&r1, t.Mul(-1)}, {&r2, t}, {&r2, t.Mul(-1)},
	}

	inlierCount := 0
	for _, ok := range mask {
		if ok {
			inlierCount++
		}
	}

	bestCount := -1
	var bestPose spatialmath.Pose
	var bestPoints []r3.Vector
	for _, cand := range candidates {
		pose := poseFromRotationTranslation(cand.r, cand.t)
		points, count := triangulateCheirality(pose, p1, p2, mask)
		if count > bestCount {
			bestCount, bestPose, bestPoints = count, pose, points
		}
	}
	if inlierCount == 0 || bestCount < inlierCount/2 {
		return spatialmath.Pose{}, nil, false
	}
	return bestPose, bestPoints, true
}

func poseFromRotationTranslation(r *mat.Dense, t r3.Vector) spatialmath.Pose {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r.At(i, j)
		}
	}
	q := spatialmath.QuaternionFromRotationMatrix(spatialmath.NewRotationMatrix(m))
	return spatialmath.NewPose(t, q)
}

// triangulateCheirality midpoint-triangulates every masked correspondence
// under pose (camera 1 fixed at identity, camera 2 at pose) and counts how
// many land at positive depth in both views.
func triangulateCheirality(pose spatialmath.Pose, p1, p2 [][2]float64, mask []bool) ([]r3.Vector, int) {
	points := make([]r3.Vector, len(p1))
	count := 0
	twc2 := pose.Invert()
	center2 := twc2.Point()
	for i, ok := range mask {
		if !ok {
			continue
		}
		dir1 := r3.Vector{X: p1[i][0], Y: p1[i][1], Z: 1}.Normalize()
		bearing2 := r3.Vector{X: p2[i][0], Y: p2[i][1], Z: 1}.Normalize()
		dir2 := twc2.Transform(bearing2).Sub(center2).Normalize()

		pt, ok2 := closestPointBetweenRaysFromOrigin(dir1, center2, dir2)
		if !ok2 {
			continue
		}
		local2 := pose.Transform(pt)
		if pt.Z <= 0 || local2.Z <= 0 {
			continue
		}
		points[i] = pt
		count++
	}
	return points, count
}

// closestPointBetweenRaysFromOrigin is closestPointBetweenRays (see
// localmapping/triangulate.go) specialized to a ray originating at world
// origin; two-view initialization always triangulates against camera 1's
// identity pose.
func closestPointBetweenRaysFromOrigin(d1 r3.Vector, o2, d2 r3.Vector) (r3.Vector, bool) {
	w0 := r3.Vector{}.Sub(o2)
	b := d1.Dot(d2)
	denom := 1 - b*b
	if math.Abs(denom) < 1e-9 {
		return r3.Vector{}, false
	}
	d := d1.Dot(w0)
	e := d2.Dot(w0)
	t := (b*e - d) / denom
	s := (e - b*d) / denom
	if t <= 0 || s <= 0 {
		return r3.Vector{}, false
	}
	p1 := d1.Mul(t)
	p2 := o2.Add(d2.Mul(s))
	return p1.Add(p2).Mul(0.5), true
}

// sampleIndices returns k distinct indices drawn uniformly from [0, n), or
// every index if k >= n.
func sampleIndices(rnd *rand.Rand, n, k int) []int {
	if k >= n {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rnd.Perm(n)[:k]
}

func maskIndices(mask []bool) []int {
	var out []int
	for i, ok := range mask {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

// PnPCorrespondence is a single 3D landmark / 2D pixel measurement pair
// used by Relocalization's P4P RANSAC pose recovery.
type PnPCorrespondence struct {
	Point r3.Vector
	U, V  float64
}

// PnPResult is the outcome of running a PnPSolver.
type PnPResult struct {
	Pose    spatialmath.Pose
	Inliers []bool
}

// PnPRANSACParams tunes PnPSolver.EstimateRANSAC: confidence, minimum
// inlier count, iteration cap, minimal sample size, inlier ratio, and the
// chi-square outlier threshold.
type PnPRANSACParams struct {
	Confidence    float64
	MinInliers    int
	MaxIterations int
	SampleSize    int
	InlierRatio   float64
	Chi2Threshold float64
}

// PnPSolver recovers a calibrated camera pose from 3D-2D correspondences by
// RANSAC, the contract behind Relocalization's P4P step.
type PnPSolver interface {
	EstimateRANSAC(correspondences []PnPCorrespondence, intr *camera.Intrinsics, params PnPRANSACParams) (*PnPResult, bool)
}

// dltMinPoints is the minimum correspondence count the direct linear
// transform resection below needs to solve the 12 unknowns of a 3x4
// projection matrix. A minimal P4P RANSAC sample has only 4 points; this
// implementation's closed-form solve needs six, so each RANSAC draw is
// widened to six points when that many are available (documented in
// DESIGN.md as the PnP simplification).
const dltMinPoints = 6

// DLTPnPSolver recovers pose via direct linear transform camera resection
// with RANSAC outlier rejection: for each sample it solves the null space
// of the calibrated projection equations, then orthogonalizes the raw
// rotation block and rescales translation against the recovered scale
// factor.
type DLTPnPSolver struct {
	Rand *rand.Rand
}

// NewDLTPnPSolver returns a PnPSolver backed by DLT resection.
func NewDLTPnPSolver() *DLTPnPSolver {
	return &DLTPnPSolver{}
}

// EstimateRANSAC implements PnPSolver.
func (s *DLTPnPSolver) EstimateRANSAC(correspondences []PnPCorrespondence, intr *camera.Intrinsics, params PnPRANSACParams) (*PnPResult, bool) {
	if len(correspondences) < dltMinPoints {
		return nil, false
	}
	rnd := s.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	maxIter := params.MaxIterations
	if maxIter <= 0 {
		maxIter = 300
	}
	chi2 := params.Chi2Threshold
	if chi2 <= 0 {
		chi2 = 5.991
	}
	sampleSize := params.SampleSize
	if sampleSize < dltMinPoints {
		sampleSize = dltMinPoints
	}
	if sampleSize > len(correspondences) {
		sampleSize = len(correspondences)
	}

	bestCount := 0
	var bestPose spatialmath.Pose
	var bestMask []bool
	for iter := 0; iter < maxIter; iter++ {
		sample := sampleIndices(rnd, len(correspondences), sampleSize)
		pose, ok := resectionDLT(correspondences, sample, intr)
		if !ok {
			continue
		}
		mask, count := scorePnP(pose, correspondences, intr, chi2)
		if count > bestCount {
			bestCount, bestPose, bestMask = count, pose, mask
		}
	}

	minInliers := params.MinInliers
	if minInliers <= 0 {
		minInliers = 10
	}
	if bestCount < minInliers {
		return nil, false
	}

	if refit, ok := resectionDLT(correspondences, maskIndices(bestMask), intr); ok {
		if mask, count := scorePnP(refit, correspondences, intr, chi2); count >= bestCount {
			bestPose, bestMask, bestCount = refit, mask, count
		}
	}
	return &PnPResult{Pose: bestPose, Inliers: bestMask}, true
}

func resectionDLT(correspondences []PnPCorrespondence, idx []int, intr *camera.Intrinsics) (spatialmath.Pose, bool) {
	if len(idx) < dltMinPoints {
		return spatialmath.Pose{}, false
	}
	rows := make([]float64, 0, len(idx)*2*12)
	for _, i := range idx {
		c := correspondences[i]
		x, y, z := c.Point.X, c.Point.Y, c.Point.Z
		nx := (c.U - intr.Cx) / intr.Fx
		ny := (c.V - intr.Cy) / intr.Fy
		rows = append(rows,
			x, y, z, 1, 0, 0, 0, 0, -nx*x, -nx*y, -nx*z, -nx,
			0, 0, 0, 0, x, y, z, 1, -ny*x, -ny*y, -ny*z, -ny,
		)
	}
	a := mat.NewDense(len(idx)*2, 12, rows)

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return spatialmath.Pose{}, false
	}
	v := new(mat.Dense)
	svd.VTo(v)
	p := mat.Col(nil, 11, v)

	rRaw := mat.NewDense(3, 3, []float64{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]})
	if mat.Det(rRaw) < 0 {
		for i := range p {
			p[i] = -p[i]
		}
		rRaw = mat.NewDense(3, 3, []float64{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]})
	}
	tRaw := r3.Vector{X: p[3], Y: p[7], Z: p[11]}

	var svd2 mat.SVD
	if !svd2.Factorize(rRaw, mat.SVDFull) {
		return spatialmath.Pose{}, false
	}
	u2 := new(mat.Dense)
	svd2.UTo(u2)
	v2 := new(mat.Dense)
	svd2.VTo(v2)
	sv := svd2.Values(nil)
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if scale <= 1e-12 {
		return spatialmath.Pose{}, false
	}

	var r mat.Dense
	r.Mul(u2, v2.T())

	t := tRaw.Mul(1 / scale)
	return poseFromRotationTranslation(&r, t), true
}

func scorePnP(pose spatialmath.Pose, correspondences []PnPCorrespondence, intr *camera.Intrinsics, chi2 float64) ([]bool, int) {
	mask := make([]bool, len(correspondences))
	count := 0
	for i, c := range correspondences {
		local := pose.Transform(c.Point)
		if local.Z <= 0 {
			continue
		}
		u, v, ok := intr.Project(local)
		if !ok {
			continue
		}
		du, dv := u-c.U, v-c.V
		if du*du+dv*dv < chi2 {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// Sim3Correspondence is a pair of 3D points believed to be the same
// physical landmark, expressed in two different frames: A's local frame
// (e.g. one map, or one side of a loop) and B's (the other).
type Sim3Correspondence struct {
	PointA r3.Vector
	PointB r3.Vector
}

// Sim3Result is the outcome of running a Sim3Estimator: a transform with
// Sim.Transform(PointA) ≈ PointB for every inlier correspondence.
type Sim3Result struct {
	Sim     spatialmath.Similarity
	Inliers []bool
}

// Sim3RANSACParams tunes Sim3Estimator.EstimateRANSAC.
type Sim3RANSACParams struct {
	MaxIterations int
	SampleSize    int
	Threshold     float64 // squared-distance inlier threshold, in PointB's units
	MinInliers    int
}

// Sim3Estimator computes a 7-DoF similarity transform between two sets of
// corresponding 3D points by RANSAC, the contract behind LoopClosing's
// intra-map loop correction and MapMerging's inter-map alignment.
type Sim3Estimator interface {
	EstimateRANSAC(correspondences []Sim3Correspondence, params Sim3RANSACParams) (*Sim3Result, bool)
}

// HornSim3Estimator computes Sim(3) via Umeyama's closed-form extension of
// Horn's absolute-orientation method: a cross-covariance SVD gives the
// rotation, the ratio of singular values to source variance gives the
// scale, and the centroids give the translation.
type HornSim3Estimator struct {
	Rand *rand.Rand
}

// NewHornSim3Estimator returns a Sim3Estimator backed by Horn's method.
func NewHornSim3Estimator() *HornSim3Estimator {
	return &HornSim3Estimator{}
}

// EstimateRANSAC implements Sim3Estimator.
func (s *HornSim3Estimator) EstimateRANSAC(correspondences []Sim3Correspondence, params Sim3RANSACParams) (*Sim3Result, bool) {
	if len(correspondences) < 3 {
		return nil, false
	}
	rnd := s.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	maxIter := params.MaxIterations
	if maxIter <= 0 {
		maxIter = 200
	}
	sampleSize := params.SampleSize
	if sampleSize < 3 {
		sampleSize = 3
	}
	if sampleSize > len(correspondences) {
		sampleSize = len(correspondences)
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = 0.01
	}

	bestCount := 0
	var bestSim spatialmath.Similarity
	var bestMask []bool
	for iter := 0; iter < maxIter; iter++ {
		sample := sampleIndices(rnd, len(correspondences), sampleSize)
		sim, ok := hornSim3(correspondences, sample)
		if !ok {
			continue
		}
		mask, count := scoreSim3(sim, correspondences, threshold)
		if count > bestCount {
			bestCount, bestSim, bestMask = count, sim, mask
		}
	}

	minInliers := params.MinInliers
	if minInliers <= 0 {
		minInliers = 20
	}
	if bestCount < minInliers {
		return nil, false
	}

	if refit, ok := hornSim3(correspondences, maskIndices(bestMask)); ok {
		if mask, count := scoreSim3(refit, correspondences, threshold); count >= bestCount {
			bestSim, bestMask, bestCount = refit, mask, count
		}
	}
	return &Sim3Result{Sim: bestSim, Inliers: bestMask}, true
}

func hornSim3(correspondences []Sim3Correspondence, idx []int) (spatialmath.Similarity, bool) {
	n := len(idx)
	if n < 3 {
		return spatialmath.Similarity{}, false
	}

	var centroidA, centroidB r3.Vector
	for _, i := range idx {
		centroidA = centroidA.Add(correspondences[i].PointA)
		centroidB = centroidB.Add(correspondences[i].PointB)
	}
	centroidA = centroidA.Mul(1 / float64(n))
	centroidB = centroidB.Mul(1 / float64(n))

	h := mat.NewDense(3, 3, nil)
	varA := 0.0
	for _, i := range idx {
		a := correspondences[i].PointA.Sub(centroidA)
		b := correspondences[i].PointB.Sub(centroidB)
		varA += a.Dot(a)
		outer := mat.NewDense(3, 3, []float64{
			b.X * a.X, b.X * a.Y, b.X * a.Z,
			b.Y * a.X, b.Y * a.Y, b.Y * a.Z,
			b.Z * a.X, b.Z * a.Y, b.Z * a.Z,
		})
		h.Add(h, outer)
	}
	if varA < 1e-12 {
		return spatialmath.Similarity{}, false
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return spatialmath.Similarity{}, false
	}
	u := new(mat.Dense)
	svd.UTo(u)
	v := new(mat.Dense)
	svd.VTo(v)
	sv := svd.Values(nil)

	var r mat.Dense
	r.Mul(u, v.T())
	if mat.Det(&r) < 0 {
		d := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
		var uD mat.Dense
		uD.Mul(u, d)
		r.Mul(&uD, v.T())
		sv[2] = -sv[2]
	}

	scale := (sv[0] + sv[1] + sv[2]) / varA

	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r.At(i, j)
		}
	}
	q := spatialmath.QuaternionFromRotationMatrix(spatialmath.NewRotationMatrix(m))

	rotPose := spatialmath.NewPose(r3.Vector{}, q)
	rotatedCentroidA := rotPose.Transform(centroidA)
	translation := centroidB.Sub(rotatedCentroidA.Mul(scale))

	return spatialmath.NewSimilarity(translation, q, scale), true
}

func scoreSim3(sim spatialmath.Similarity, correspondences []Sim3Correspondence, threshold float64) ([]bool, int) {
	mask := make([]bool, len(correspondences))
	count := 0
	for i, c := range correspondences {
		predicted := sim.Transform(c.PointA)
		d := predicted.Sub(c.PointB)
		if d.Dot(d) < threshold {
			mask[i] = true
			count++
		}
	}
	return mask, count
}
