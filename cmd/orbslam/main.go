// Command orbslam runs the monocular SLAM pipeline over a directory of
// timestamped grayscale images: it wires the five worker threads (Tracking,
// LocalMapping, LoopClosing, MapMerging, Relocalization) around a shared
// MapDatabase, feeds them the image sequence, and on completion writes the
// current Map's trajectory.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/udrg/ORB-SLAM/camera"
	"github.com/udrg/ORB-SLAM/config"
	"github.com/udrg/ORB-SLAM/localmapping"
	"github.com/udrg/ORB-SLAM/logging"
	"github.com/udrg/ORB-SLAM/loopclosing"
	"github.com/udrg/ORB-SLAM/mapmerging"
	"github.com/udrg/ORB-SLAM/mapmodel"
	"github.com/udrg/ORB-SLAM/nsolver"
	"github.com/udrg/ORB-SLAM/orbfeature"
	"github.com/udrg/ORB-SLAM/publish"
	"github.com/udrg/ORB-SLAM/relocalization"
	"github.com/udrg/ORB-SLAM/tracking"
	"github.com/udrg/ORB-SLAM/trajectory"
	"github.com/udrg/ORB-SLAM/utils"
	"github.com/udrg/ORB-SLAM/vocabulary"
)

func main() {
	settingsPath := flag.String("settings", "", "path to the settings YAML file")
	vocabPath := flag.String("vocab", "", "path to the vocabulary file")
	imageDir := flag.String("images", "", "directory of timestamped grayscale images")
	outputPath := flag.String("output", "trajectory.txt", "path to write the final trajectory")
	flag.Parse()

	if *settingsPath == "" || *vocabPath == "" || *imageDir == "" {
		fmt.Fprintln(os.Stderr, "usage: orbslam -settings FILE -vocab FILE -images DIR [-output FILE]")
		os.Exit(2)
	}

	runID := uuid.New().String()
	logger := logging.NewLogger("orbslam").Sublogger(runID[:8])

	if err := run(logger, *settingsPath, *vocabPath, *imageDir, *outputPath); err != nil {
		logger.Errorf("run %s failed: %v", runID, err)
		os.Exit(1)
	}
}

func run(logger logging.Logger, settingsPath, vocabPath, imageDir, outputPath string) error {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return errors.Wrap(err, "loading settings")
	}
	voc, err := vocabulary.Load(vocabPath)
	if err != nil {
		return errors.Wrap(err, "loading vocabulary")
	}
	images, err := listImages(imageDir)
	if err != nil {
		return errors.Wrap(err, "listing images")
	}
	if len(images) == 0 {
		return errors.Errorf("no images found in %s", imageDir)
	}

	// Width/Height aren't in the settings file; they come from the first
	// frame of the sequence.
	firstGray, err := decodeGray(images[0].path)
	if err != nil {
		return errors.Wrapf(err, "decoding first image %s", images[0].path)
	}
	intr := settings.Intrinsics()
	intr.Width = firstGray.Bounds().Dx()
	intr.Height = firstGray.Bounds().Dy()
	if err := intr.CheckValid(); err != nil {
		return errors.Wrap(err, "invalid camera intrinsics")
	}

	extractor, err := orbfeature.NewExtractor(orbfeature.Config{
		NFeatures:   settings.ORBextractor.NFeatures,
		ScaleFactor: settings.ORBextractor.ScaleFactor,
		NLevels:     settings.ORBextractor.NLevels,
		FastTh:      settings.ORBextractor.FastTh,
		NScoreType:  settings.ORBextractor.NScoreType,
	})
	if err != nil {
		return errors.Wrap(err, "building feature extractor")
	}
	matcher := orbfeature.NewMatcher()

	twoView := nsolver.NewEssentialTwoViewSolver()
	pnp := nsolver.NewDLTPnPSolver()
	sim3 := nsolver.NewHornSim3Estimator()
	ba := nsolver.NewNloptBundleAdjuster(logger.Sublogger("ba"), 2)
	pg := nsolver.NewNloptPoseGraphOptimizer(logger.Sublogger("posegraph"))

	model := &camera.Model{Intrinsics: intr, Distortion: settings.Distortion()}
	db := mapmodel.NewMapDatabase()

	lm := localmapping.New(logger.Sublogger("localmapping"), db, matcher, ba, localmapping.DefaultConfig())
	lc := loopclosing.New(logger.Sublogger("loopclosing"), db, matcher, sim3, pg, ba, lm, loopclosing.DefaultConfig())
	mm := mapmerging.New(logger.Sublogger("mapmerging"), db, voc, matcher, sim3, pg, lm, lc, mapmerging.DefaultConfig())
	lm.SetOnProcessed(func(mapID, kfID uint64) {
		lc.InsertKeyFrame(mapID, kfID)
		mm.InsertKeyFrame(mapID, kfID)
	})

	trackCfg := tracking.DefaultConfig(settings.MaxFrames())
	trackCfg.UseMotionModel = settings.UseMotionModel
	track := tracking.New(logger.Sublogger("tracking"), db, voc, extractor, matcher, twoView, ba, lm, model, trackCfg)

	reloc := relocalization.New(logger.Sublogger("relocalization"), db, voc, matcher, pnp, ba, track, relocalization.DefaultConfig())
	track.SetRelocalizer(reloc)

	pub := publish.NoopPublisher{}

	workers := utils.NewStoppableWorkers(track.Run, lm.Run, lc.Run, mm.Run, reloc.Run)
	defer workers.Stop()

	ctx, cancel := context.WithCancel(workers.Context())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	for i, img := range images {
		if ctx.Err() != nil {
			break
		}
		gray := firstGray
		if i > 0 {
			var err error
			gray, err = decodeGray(img.path)
			if err != nil {
				logger.Errorf("skipping %s: %v", img.path, err)
				continue
			}
		}
		track.Push(gray, img.timestamp)
		pub.PublishFrame(gray, track.State().String())
	}

	waitForIdle(ctx, track, lm, reloc)
	workers.Stop()

	return writeTrajectory(db, outputPath)
}

type timestampedImage struct {
	path      string
	timestamp float64
}

// listImages returns the directory's image files sorted by name, with a
// timestamp parsed from the filename stem (a bare float, as TUM/EuRoC-style
// datasets name their frames) or, failing that, synthesized from the
// file's position in the sorted list at a fixed 30 fps.
func listImages(dir string) ([]timestampedImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".png" || ext == ".jpg" || ext == ".jpeg" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]timestampedImage, len(names))
	for i, name := range names {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		ts, err := strconv.ParseFloat(stem, 64)
		if err != nil {
			ts = float64(i) / 30.0
		}
		out[i] = timestampedImage{path: filepath.Join(dir, name), timestamp: ts}
	}
	return out, nil
}

func decodeGray(path string) (*image.Gray, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		img, err = png.Decode(f)
	default:
		img, err = jpeg.Decode(f)
	}
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray, nil
}

// waitForIdle blocks until LocalMapping reports idle and Tracking is not in
// NOT_INITIALIZED (so not waiting on a relocalization), or ctx is cancelled.
// It does not check whether Tracking's incoming queue still holds an image.
func waitForIdle(ctx context.Context, track *tracking.Tracking, lm *localmapping.LocalMapping, reloc *relocalization.Relocalization) {
	for ctx.Err() == nil {
		if lm.IsIdle() && track.State() != tracking.StateNotInitialized {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func writeTrajectory(db *mapmodel.MapDatabase, path string) error {
	m, ok := db.Current()
	if !ok {
		return errors.New("no current map at shutdown")
	}
	keyFrames := m.AllKeyFrames()
	entries := make([]trajectory.Entry, 0, len(keyFrames))
	for _, kf := range keyFrames {
		if kf.IsBad() {
			continue
		}
		entries = append(entries, trajectory.Entry{ID: kf.ID, Timestamp: kf.Timestamp, Pose: kf.Pose()})
	}
	return trajectory.Write(path, entries)
}
