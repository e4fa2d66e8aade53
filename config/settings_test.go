package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

const validYAML = `
Camera:
  fx: 500.0
  fy: 500.0
  cx: 320.0
  cy: 240.0
  k1: 0.01
  k2: -0.02
  p1: 0.0
  p2: 0.0
  RGB: 1
ORBextractor:
  nFeatures: 1000
  scaleFactor: 1.2
  nLevels: 8
  fastTh: 20
  nScoreType: 1
UseMotionModel: true
`

func writeTempSettings(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func TestLoadValidSettings(t *testing.T) {
	path := writeTempSettings(t, validYAML)
	settings, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, settings.Camera.Fx, test.ShouldAlmostEqual, 500.0)
	test.That(t, settings.UseMotionModel, test.ShouldBeTrue)
}

func TestLoadDefaultsFPS(t *testing.T) {
	path := writeTempSettings(t, validYAML)
	settings, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, settings.Camera.FPS, test.ShouldEqual, defaultFPS)
}

func TestLoadMissingFileIsTerminal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadRejectsInvalidFocalLength(t *testing.T) {
	path := writeTempSettings(t, `
Camera:
  fx: 0
  fy: 500.0
  cx: 320.0
  cy: 240.0
ORBextractor:
  nFeatures: 1000
  nLevels: 8
  nScoreType: 1
`)
	_, err := Load(path)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMaxFramesScalesWithFPS(t *testing.T) {
	path := writeTempSettings(t, validYAML)
	settings, err := Load(path)
	test.That(t, err, test.ShouldBeNil)

	settings.Camera.FPS = 30
	test.That(t, settings.MaxFrames(), test.ShouldEqual, 18)

	settings.Camera.FPS = 20
	test.That(t, settings.MaxFrames(), test.ShouldEqual, 12)
}

func TestIntrinsicsAndDistortionFromSettings(t *testing.T) {
	path := writeTempSettings(t, validYAML)
	settings, err := Load(path)
	test.That(t, err, test.ShouldBeNil)

	in := settings.Intrinsics()
	test.That(t, in.Fx, test.ShouldAlmostEqual, 500.0)

	d := settings.Distortion()
	test.That(t, d.RadialK1, test.ShouldAlmostEqual, 0.01)
}
