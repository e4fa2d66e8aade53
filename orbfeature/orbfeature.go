// Package orbfeature defines the contract for the ORB feature
// extractor/matcher module Tracking depends on. Computing ORB keypoints and
// BRIEF descriptors is explicitly out of scope for the SLAM core; this
// package is the black-box boundary it's pushed behind, plus a minimal
// stand-in implementation so the core can be exercised end to end.
package orbfeature

import (
	"image"
	"math/bits"

	"github.com/pkg/errors"
)

// KeyPoint is a single detected feature: pixel location, the pyramid
// octave it was detected at, and the effective scale factor at that
// octave (used to size the projection-search radius and to pick min/max
// valid observation distance for a Landmark).
type KeyPoint struct {
	X, Y   float64
	Octave int
	Scale  float64
	Angle  float64
}

// Descriptor is a single ORB descriptor: a fixed-length bit string
// compared by Hamming distance.
type Descriptor []byte

// HammingDistance returns the number of differing bits between two
// descriptors of equal length.
func HammingDistance(a, b Descriptor) int {
	dist := 0
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// Config mirrors the ORBextractor.* settings table: feature count budget,
// pyramid scale factor and level count, and the FAST threshold/score type
// used to rank corners.
type Config struct {
	NFeatures   int
	ScaleFactor float64
	NLevels     int
	FastTh      int
	NScoreType  int
}

// Extractor computes keypoints and descriptors for a grayscale image. The
// two slices returned are index-aligned: descriptor i belongs to
// keypoint i.
type Extractor interface {
	Extract(img *image.Gray) ([]KeyPoint, []Descriptor, error)
}

// Matcher scores candidate correspondences between two descriptor sets by
// Hamming distance, used by the search-by-projection and search-by-BoW
// routines in Tracking, LocalMapping and Relocalization.
type Matcher interface {
	// Match returns, for each index in query, the index into candidates
	// with the lowest Hamming distance within maxDistance, or -1 if none
	// qualifies.
	Match(query, candidates []Descriptor, maxDistance int) []int
}

// hammingMatcher is the default Matcher: brute-force nearest neighbor by
// Hamming distance, with no cross-check. Sufficient to exercise the core's
// search routines; a production extractor/matcher pair would replace both
// this and gridExtractor wholesale.
type hammingMatcher struct{}

// NewMatcher returns the default brute-force Hamming matcher.
func NewMatcher() Matcher {
	return hammingMatcher{}
}

func (hammingMatcher) Match(query, candidates []Descriptor, maxDistance int) []int {
	out := make([]int, len(query))
	for i, q := range query {
		best := -1
		bestDist := maxDistance + 1
		for j, c := range candidates {
			d := HammingDistance(q, c)
			if d < bestDist {
				bestDist = d
				best = j
			}
		}
		if bestDist > maxDistance {
			best = -1
		}
		out[i] = best
	}
	return out
}

// gridExtractor is the default Extractor: a grid-cell FAST-like corner
// count stand-in, not the full ORB pyramid pipeline. It exists so Tracking
// has something to drive against; a real deployment supplies its own
// Extractor.
type gridExtractor struct {
	cfg Config
}

// NewExtractor returns the default grid-based stand-in extractor.
func NewExtractor(cfg Config) (Extractor, error) {
	if cfg.NFeatures <= 0 {
		return nil, errors.New("orbfeature: NFeatures must be > 0")
	}
	if cfg.NLevels <= 0 {
		return nil, errors.New("orbfeature: NLevels must be > 0")
	}
	return &gridExtractor{cfg: cfg}, nil
}

func (e *gridExtractor) Extract(img *image.Gray) ([]KeyPoint, []Descriptor, error) {
	if img == nil {
		return nil, nil, errors.New("orbfeature: nil image")
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, nil, nil
	}

	var kps []KeyPoint
	var descs []Descriptor
	for octave := 0; octave < e.cfg.NLevels && len(kps) < e.cfg.NFeatures; octave++ {
		scale := pow(e.cfg.ScaleFactor, octave)
		step := 16
		for y := step; y < h-step && len(kps) < e.cfg.NFeatures; y += step {
			for x := step; x < w-step && len(kps) < e.cfg.NFeatures; x += step {
				score := fastScore(img, x, y)
				if score < e.cfg.FastTh {
					continue
				}
				kps = append(kps, KeyPoint{X: float64(x), Y: float64(y), Octave: octave, Scale: scale})
				descs = append(descs, briefDescriptor(img, x, y))
			}
		}
	}
	return kps, descs, nil
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// fastScore approximates a FAST corner score as the sum of absolute
// intensity differences between the center pixel and its 8 neighbors.
func fastScore(img *image.Gray, x, y int) int {
	center := int(img.GrayAt(x, y).Y)
	score := 0
	offsets := [8][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	for _, off := range offsets {
		v := int(img.GrayAt(x+off[0], y+off[1]).Y)
		diff := v - center
		if diff < 0 {
			diff = -diff
		}
		score += diff
	}
	return score
}

// briefDescriptor produces a 32-byte descriptor from deterministic pixel
// pair comparisons around (x, y), in place of trained BRIEF sampling
// points.
func briefDescriptor(img *image.Gray, x, y int) Descriptor {
	desc := make(Descriptor, 32)
	for i := 0; i < 32; i++ {
		var b byte
		for bit := 0; bit < 8; bit++ {
			dx1, dy1 := offsetFor(i*8+bit, 0)
			dx2, dy2 := offsetFor(i*8+bit, 1)
			p1 := img.GrayAt(x+dx1, y+dy1).Y
			p2 := img.GrayAt(x+dx2, y+dy2).Y
			if p1 > p2 {
				b |= 1 << uint(bit)
			}
		}
		desc[i] = b
	}
	return desc
}

func offsetFor(seed, which int) (int, int) {
	h := seed*2654435761 + which*40503
	dx := (h % 9) - 4
	dy := ((h / 9) % 9) - 4
	return dx, dy
}
