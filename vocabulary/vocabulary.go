// Package vocabulary defines the bag-of-words vocabulary contract used by
// KeyFrameDatabase retrieval and LoopClosing's revisit detection. Training
// and loading a real hierarchical vocabulary is out of scope for the SLAM
// core; this package is the boundary plus a minimal file-backed stand-in.
package vocabulary

import (
	"bufio"
	"os"

	"github.com/pkg/errors"

	"github.com/udrg/ORB-SLAM/orbfeature"
)

// Word is a visual word id.
type Word uint32

// BoW is a bag-of-words vector: visual word id -> accumulated weight.
type BoW map[Word]float64

// FeatureVector groups a frame's keypoint indices by the vocabulary tree
// node they fall under, at some fixed level, so SearchByBoW can compare
// only keypoints that share a node instead of the full descriptor set.
type FeatureVector map[Word][]int

// Vocabulary transforms descriptors into the BoW/feature-vector pair
// KeyFrameDatabase indexes on. It's immutable post-load and shared by
// reference across all five worker threads.
type Vocabulary interface {
	Transform(descriptors []orbfeature.Descriptor) (BoW, FeatureVector)
	Size() int
}

// hashVocabulary assigns each descriptor to one of a fixed number of words
// by a hash of its bytes. It has none of a trained vocabulary's semantic
// clustering, but it satisfies the Transform contract KeyFrameDatabase and
// LoopClosing are built against.
type hashVocabulary struct {
	numWords int
}

// Load reads a vocabulary file. The stand-in format is a single line
// giving the word count; a real vocabulary file (a serialized tree of
// trained cluster centers) would be parsed here instead.
func Load(path string) (Vocabulary, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening vocabulary file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, errors.New("vocabulary file is empty")
	}

	numWords := 0
	if _, err := parseInt(scanner.Text(), &numWords); err != nil || numWords <= 0 {
		return nil, errors.New("vocabulary file does not start with a positive word count")
	}
	return &hashVocabulary{numWords: numWords}, nil
}

// New returns an in-memory stand-in vocabulary with the given word count,
// for tests and for callers that don't need a file-backed vocabulary.
func New(numWords int) Vocabulary {
	return &hashVocabulary{numWords: numWords}
}

func (v *hashVocabulary) Size() int { return v.numWords }

func (v *hashVocabulary) Transform(descriptors []orbfeature.Descriptor) (BoW, FeatureVector) {
	bow := BoW{}
	fv := FeatureVector{}
	for i, d := range descriptors {
		w := Word(fnv32(d) % uint32(v.numWords))
		bow[w] += 1.0 / float64(len(descriptors))
		fv[w] = append(fv[w], i)
	}
	return bow, fv
}

func fnv32(data []byte) uint32 {
	const prime32 = 16777619
	hash := uint32(2166136261)
	for _, b := range data {
		hash ^= uint32(b)
		hash *= prime32
	}
	return hash
}

func parseInt(s string, out *int) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("not a positive integer: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	*out = n
	return n, nil
}

// Score computes the L1 bag-of-words similarity score between two BoW
// vectors, in [0, 1], used by LoopClosing to rank retrieval candidates
// before running geometric verification.
func Score(a, b BoW) float64 {
	sum := 0.0
	seen := map[Word]bool{}
	for w, wa := range a {
		sum += absFloat(wa - b[w])
		seen[w] = true
	}
	for w, wb := range b {
		if seen[w] {
			continue
		}
		sum += absFloat(wb)
	}
	return 1 - 0.5*sum
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
