// Command artrack runs the natural feature tracker against a camera or a
// video file. Registered markers are recognized and tracked concurrently;
// with --adhoc any textured surface is reconstructed and tracked instead.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/detect"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/orchestrator"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/shutdown"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/tracking"
)

func main() {
	app := &cli.App{
		Name:  "artrack",
		Usage: "track natural-feature markers in a live camera or video stream",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "camera", Value: 0, Usage: "camera device index"},
			&cli.StringFlag{Name: "video", Usage: "video file path; overrides --camera"},
			&cli.StringSliceFlag{Name: "marker", Usage: "marker image as label=path; repeatable"},
			&cli.Float64Flag{Name: "fx", Value: 700, Usage: "focal length x in pixels"},
			&cli.Float64Flag{Name: "fy", Value: 700, Usage: "focal length y in pixels"},
			&cli.Float64Flag{Name: "cx", Value: 320, Usage: "principal point x in pixels"},
			&cli.Float64Flag{Name: "cy", Value: 240, Usage: "principal point y in pixels"},
			&cli.BoolFlag{Name: "adhoc", Usage: "reconstruct and track an ad-hoc surface instead of markers"},
			&cli.StringFlag{Name: "detector", Value: "orb", Usage: "feature backend: orb or akaze"},
			&cli.StringFlag{Name: "state", Usage: "recognizer state file; loaded when present, saved after training"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose per-frame logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := zerolog.InfoLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	log := logger.NewConsoleLogger(level)

	camMat := mat.NewDense(3, 3, []float64{
		c.Float64("fx"), 0, c.Float64("cx"),
		0, c.Float64("fy"), c.Float64("cy"),
		0, 0, 1,
	})

	newBackend, err := backendFactory(c.String("detector"))
	if err != nil {
		return err
	}

	var source interface{} = c.Int("camera")
	if v := c.String("video"); v != "" {
		source = v
	}
	capture, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return fmt.Errorf("opening capture source %v: %w", source, err)
	}
	defer capture.Close()

	mgr := shutdown.NewManager(log)
	mgr.Listen()

	if c.Bool("adhoc") {
		return runAdHoc(c, mgr, newBackend, camMat, capture, log)
	}
	return runMarkers(c, mgr, newBackend, camMat, capture, log)
}

func backendFactory(name string) (func() features.Backend, error) {
	cfg := features.DefaultMatchingConfig()
	switch name {
	case "orb":
		return func() features.Backend { return features.NewORBBackend(cfg) }, nil
	case "akaze":
		return func() features.Backend { return features.NewAKAZEBackend(cfg) }, nil
	default:
		return nil, fmt.Errorf("unknown feature backend %q", name)
	}
}

func runMarkers(c *cli.Context, mgr *shutdown.Manager, newBackend func() features.Backend, camMat *mat.Dense, capture *gocv.VideoCapture, log logger.Logger) error {
	detector, err := buildDetector(c, newBackend, log)
	if err != nil {
		return err
	}
	defer detector.Close()

	orch, err := orchestrator.New(tracking.DefaultConfig(), detector, newBackend, camMat, log)
	if err != nil {
		return err
	}
	orch.Start(mgr.Context())
	mgr.Register(shutdown.ShutdownFunc(func() { _ = orch.Shutdown() }))

	img := gocv.NewMat()
	defer img.Close()
	for {
		select {
		case <-mgr.Done():
			return nil
		default:
		}
		if !capture.Read(&img) || img.Empty() {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err := orch.Update(img); err != nil {
			log.Warning("artrack", "frame update failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		for _, label := range orch.Labels() {
			t, ok := orch.Tracker(label)
			if !ok {
				continue
			}
			log.Debug("artrack", "tracker state", map[string]interface{}{
				"label":    label,
				"state":    t.State().String(),
				"features": len(t.TrackedFeatures()),
				"pose":     t.ModelViewFloats(),
			})
		}
	}
}

func buildDetector(c *cli.Context, newBackend func() features.Backend, log logger.Logger) (*detect.Detector, error) {
	detector, err := detect.NewDetector(detect.DefaultConfig(), newBackend(), log)
	if err != nil {
		return nil, err
	}

	statePath := c.String("state")
	if statePath != "" {
		if f, err := os.Open(statePath); err == nil {
			defer f.Close()
			if err := detector.Load(f); err != nil {
				detector.Close()
				return nil, fmt.Errorf("loading recognizer state: %w", err)
			}
			return detector, nil
		}
	}

	markers := c.StringSlice("marker")
	if len(markers) == 0 {
		detector.Close()
		return nil, fmt.Errorf("no markers registered; pass --marker label=path or --state")
	}
	for _, spec := range markers {
		label, path, ok := strings.Cut(spec, "=")
		if !ok {
			detector.Close()
			return nil, fmt.Errorf("malformed --marker %q, want label=path", spec)
		}
		if err := detector.AddMarkerFile(label, path); err != nil {
			detector.Close()
			return nil, err
		}
	}
	if err := detector.Train(); err != nil {
		detector.Close()
		return nil, fmt.Errorf("training recognizer: %w", err)
	}

	if statePath != "" {
		f, err := os.Create(statePath)
		if err != nil {
			detector.Close()
			return nil, fmt.Errorf("saving recognizer state: %w", err)
		}
		defer f.Close()
		if err := detector.Save(f); err != nil {
			detector.Close()
			return nil, fmt.Errorf("saving recognizer state: %w", err)
		}
	}
	return detector, nil
}

func runAdHoc(c *cli.Context, mgr *shutdown.Manager, newBackend func() features.Backend, camMat *mat.Dense, capture *gocv.VideoCapture, log logger.Logger) error {
	tracker, err := tracking.NewAdHocSfMTracker(tracking.DefaultConfig(), newBackend(), camMat, log)
	if err != nil {
		return err
	}
	tracker.Start(mgr.Context())
	mgr.Register(shutdown.ShutdownFunc(func() { _ = tracker.Close() }))

	img := gocv.NewMat()
	defer img.Close()
	for {
		select {
		case <-mgr.Done():
			return nil
		default:
		}
		if !capture.Read(&img) || img.Empty() {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		tracker.Update(img)
		log.Debug("artrack", "adhoc state", map[string]interface{}{
			"state":    tracker.State().String(),
			"features": len(tracker.TrackedFeatures()),
			"cloud":    len(tracker.Tracked3DFeatures()),
			"pose":     tracker.ModelViewFloats(),
		})
	}
}
