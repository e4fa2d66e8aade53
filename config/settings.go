// Package config loads the YAML settings file that drives a run: camera
// calibration, ORB extractor tuning, and the motion-model toggle, in the
// same key-per-field style as the settings file ORB-SLAM itself reads.
package config

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/udrg/ORB-SLAM/camera"
)

// score types for ORBextractor.nScoreType.
const (
	ScoreTypeHarris = 0
	ScoreTypeFAST   = 1
)

// defaultFPS is substituted for Camera.fps when the settings file specifies
// 0, per the Camera.fps effect described in the settings table.
const defaultFPS = 30

// Settings is the full set of externally-configurable knobs. Field names
// mirror the dotted settings keys so the YAML tags and the spec table read
// the same way.
type Settings struct {
	Camera       CameraSettings `yaml:"Camera"`
	ORBextractor ORBExtractorSettings `yaml:"ORBextractor"`
	UseMotionModel bool `yaml:"UseMotionModel"`
}

// CameraSettings is the Camera.* settings group: intrinsics, distortion,
// frame rate and color order.
type CameraSettings struct {
	Fx  float64 `yaml:"fx"`
	Fy  float64 `yaml:"fy"`
	Cx  float64 `yaml:"cx"`
	Cy  float64 `yaml:"cy"`
	K1  float64 `yaml:"k1"`
	K2  float64 `yaml:"k2"`
	P1  float64 `yaml:"p1"`
	P2  float64 `yaml:"p2"`
	FPS int     `yaml:"fps"`
	// RGB is 1 for RGB pixel order, 0 for BGR. It only affects the
	// caller's color conversion before pushing grayscale frames in; the
	// core never looks at color.
	RGB int `yaml:"RGB"`
}

// ORBExtractorSettings is the ORBextractor.* settings group, passed through
// unmodified to the configured orbfeature.Extractor.
type ORBExtractorSettings struct {
	NFeatures   int     `yaml:"nFeatures"`
	ScaleFactor float64 `yaml:"scaleFactor"`
	NLevels     int     `yaml:"nLevels"`
	FastTh      int     `yaml:"fastTh"`
	NScoreType  int     `yaml:"nScoreType"`
}

// Load reads and validates a Settings file. Per the error-handling design,
// a missing or unreadable settings file is a Configuration-invalid error:
// terminal, the system cannot start.
func Load(path string) (*Settings, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening settings file")
	}

	settings := &Settings{}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, errors.Wrap(err, "error parsing settings YAML")
	}
	settings.applyDefaults()

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) applyDefaults() {
	if s.Camera.FPS == 0 {
		s.Camera.FPS = defaultFPS
	}
}

// Validate reports whether the settings are usable. It does not mutate the
// receiver; call applyDefaults (via Load) first. Width/Height aren't
// settings-file fields (they come from the first pushed image), so this
// checks the focal lengths directly rather than going through
// camera.Intrinsics.CheckValid.
func (s *Settings) Validate() error {
	if s.Camera.Fx <= 0 {
		return errors.Errorf("invalid Camera.fx = %v", s.Camera.Fx)
	}
	if s.Camera.Fy <= 0 {
		return errors.Errorf("invalid Camera.fy = %v", s.Camera.Fy)
	}
	if s.ORBextractor.NFeatures <= 0 {
		return errors.Errorf("invalid ORBextractor.nFeatures = %v", s.ORBextractor.NFeatures)
	}
	if s.ORBextractor.NLevels <= 0 {
		return errors.Errorf("invalid ORBextractor.nLevels = %v", s.ORBextractor.NLevels)
	}
	if s.ORBextractor.NScoreType != ScoreTypeHarris && s.ORBextractor.NScoreType != ScoreTypeFAST {
		return errors.Errorf("invalid ORBextractor.nScoreType = %v", s.ORBextractor.NScoreType)
	}
	return nil
}

// Intrinsics builds the camera.Intrinsics this run's camera model uses.
// Width/Height aren't part of the settings table; callers that need them
// fill them in from the first frame pushed to Tracking.
func (s *Settings) Intrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{Fx: s.Camera.Fx, Fy: s.Camera.Fy, Cx: s.Camera.Cx, Cy: s.Camera.Cy}
}

// Distortion builds the camera.Distortion this run's camera model uses.
func (s *Settings) Distortion() *camera.Distortion {
	return &camera.Distortion{RadialK1: s.Camera.K1, RadialK2: s.Camera.K2, TangentialP1: s.Camera.P1, TangentialP2: s.Camera.P2}
}

// MaxFrames returns the keyframe-insertion frame budget mMaxFrames =
// round(18 * fps / 30): how many frames Tracking lets pass before forcing
// a new KeyFrame regardless of other insertion criteria.
func (s *Settings) MaxFrames() int {
	return int(math.Round(18 * float64(s.Camera.FPS) / 30))
}
