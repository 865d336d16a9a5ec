// Package pipeline assembles the capture loop, event recording, inference
// and outputs from the configuration and runs them until the source ends or
// the daemon stops.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/camtrap/internal/capture"
	"github.com/banshee-data/camtrap/internal/config"
	"github.com/banshee-data/camtrap/internal/db"
	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitor"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/output"
	"github.com/banshee-data/camtrap/internal/sensor"
	"github.com/banshee-data/camtrap/internal/seqqueue"
	"github.com/banshee-data/camtrap/internal/spiral"
	"github.com/banshee-data/camtrap/internal/timeutil"
	"github.com/banshee-data/camtrap/internal/trigger"
)

// Options overrides collaborators normally built from the configuration.
// Zero values mean "build from config".
type Options struct {
	Source     capture.Source
	Detector   detector.Detector
	SensorPort sensor.Port
	Clock      timeutil.Clock
	// TraceLength is the number of scores kept for the motion chart.
	TraceLength int
}

// Pipeline is one configured run of the camera trap.
type Pipeline struct {
	cfg   *config.Config
	clock timeutil.Clock

	catalog     *db.DB
	scorer      *motion.Scorer
	loop        *capture.Loop
	trace       *monitor.Trace
	broadcaster *trigger.Broadcaster
	live        *output.LiveHub
	recorder    *capture.EventRecorder // event mode
	dispatcher  *EventDispatcher       // event mode
	frames      *FramePipeline         // frame mode
	sensor      *sensor.Logs           // optional

	closers []io.Closer
}

// New builds every component. On error anything already opened is closed.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.TraceLength <= 0 {
		opts.TraceLength = 10 * cfg.BufferFrames()
	}
	p := &Pipeline{
		cfg:         cfg,
		clock:       opts.Clock,
		broadcaster: trigger.NewBroadcaster(),
		live:        output.NewLiveHub(),
	}
	if err := p.build(opts); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(opts Options) error {
	cfg := p.cfg
	format, err := eventfile.ParsePixelFormat(cfg.Camera.PixelFormat)
	if err != nil {
		return err
	}
	params, err := cfg.MotionParams()
	if err != nil {
		return err
	}
	if p.scorer, err = motion.NewScorer(params); err != nil {
		return err
	}
	p.trace = monitor.NewTrace(opts.TraceLength, p.scorer.Threshold())

	if err := os.MkdirAll(cfg.Output.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	dbPath := cfg.Output.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Output.Path, dbPath)
	}
	if p.catalog, err = db.Open(dbPath); err != nil {
		return err
	}
	p.closers = append(p.closers, p.catalog)

	if cfg.Sensor.Enabled || opts.SensorPort != nil {
		port := opts.SensorPort
		if port == nil {
			if port, err = sensor.OpenSerial(cfg.Sensor.Port, sensor.PortOptions{BaudRate: cfg.Sensor.Baud}); err != nil {
				return err
			}
		}
		p.sensor = sensor.NewLogs(port, sensor.Config{
			Interval:    cfg.Sensor.Interval(),
			PollCommand: cfg.Sensor.PollCommand,
			Store:       p.catalog,
			Clock:       opts.Clock,
		})
		p.closers = append(p.closers, p.sensor)
	}

	det := opts.Detector
	if det == nil {
		if det, err = p.buildDetector(); err != nil {
			return err
		}
	}

	src := opts.Source
	if src == nil {
		if src, err = p.buildSource(format); err != nil {
			return err
		}
	}

	sink := p.buildSink(format)
	inputSize := image.Pt(cfg.Detector.InputWidth, cfg.Detector.InputHeight)
	thresholds := detector.Thresholds{
		Animal:       cfg.Animal.Threshold,
		Human:        cfg.Animal.HumanThreshold,
		DetectHumans: cfg.Animal.DetectHumans,
	}

	observers := []capture.Observer{p.trace}
	var taps []capture.Tap
	switch cfg.Pipeline.Mode {
	case config.ModeFrame:
		p.frames, err = NewFramePipeline(FrameConfig{
			Queue: seqqueue.Config{
				ContextLength: cfg.Processing.ContextLength(),
				QuietPeriod:   cfg.Processing.QuietPeriod(),
				MaxLength:     cfg.Processing.MaxEventDuration(),
				SmoothingLen:  cfg.SmoothingLen(),
			},
			Detector:   det,
			Thresholds: thresholds,
			Timeout:    cfg.Detector.Timeout(),
			Format:     format,
			InputSize:  inputSize,
			Sink:       sink,
		})
		if err != nil {
			return err
		}
		observers = append(observers, p.frames)

	default:
		p.dispatcher, err = NewEventDispatcher(EventConfig{
			Detector: det,
			Spiral: spiral.Config{
				Fraction:   cfg.Processing.DetectorFraction,
				Timeout:    cfg.Detector.Timeout(),
				Thresholds: thresholds,
			},
			Format:    format,
			InputSize: inputSize,
			Sink:      sink,
			Catalog:   p.catalog,
		})
		if err != nil {
			return err
		}
		w, err := eventfile.NewWriter(eventfile.Options{
			Root:      cfg.Output.Path,
			Format:    format,
			Framerate: cfg.Camera.Framerate,
			Clock:     opts.Clock,
		})
		if err != nil {
			return err
		}
		rc := capture.RecorderConfig{
			Trigger: trigger.Config{
				ContextLength: cfg.Processing.ContextLength(),
				QuietPeriod:   cfg.Processing.QuietPeriod(),
				MaxDuration:   cfg.Processing.MaxEventDuration(),
				FlushInterval: cfg.Processing.FlushInterval(),
			},
			BufferFrames: cfg.BufferFrames(),
			Lead:         cfg.Capture.QueueDepth + 1,
			Writer:       w,
			OnEvent:      p.dispatcher.Enqueue,
			Broadcaster:  p.broadcaster,
		}
		if p.sensor != nil {
			rc.Annotate = p.sensor.Annotate
		}
		if p.recorder, err = capture.NewEventRecorder(rc); err != nil {
			return err
		}
		taps = append(taps, p.recorder)
		observers = append(observers, p.recorder)
	}

	p.loop, err = capture.NewLoop(capture.LoopConfig{
		Source:     src,
		Scorer:     p.scorer,
		QueueDepth: cfg.Capture.QueueDepth,
		Clock:      opts.Clock,
		Taps:       taps,
		Observers:  observers,
	})
	return err
}

func (p *Pipeline) buildDetector() (detector.Detector, error) {
	d := p.cfg.Detector
	switch d.Kind {
	case "http":
		h := detector.NewHTTPDetector(d.Address, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if !h.IsHealthy(ctx) {
			monitoring.Warnf("detector at %s is not healthy yet; frames will count as negative until it is", d.Address)
		}
		return h, nil
	case "grpc":
		g, err := detector.DialGRPC(d.Address)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, g)
		return g, nil
	case "none", "":
		monitoring.Logf("detector disabled")
		return nil, nil
	}
	return nil, fmt.Errorf("unknown detector kind %q", d.Kind)
}

func (p *Pipeline) buildSource(format eventfile.PixelFormat) (capture.Source, error) {
	c := p.cfg.Capture
	cam := p.cfg.Camera
	switch c.Source {
	case "synthetic":
		return capture.NewSyntheticSource(capture.SyntheticConfig{
			Framerate: cam.Framerate,
			Width:     cam.Width,
			Height:    cam.Height,
			RawWidth:  cam.RawWidth,
			RawHeight: cam.RawHeight,
			Format:    format,
			Motion:    c.SyntheticMotion,
			Frames:    c.SyntheticFrames,
			Paced:     c.Realtime,
			Clock:     p.clock,
		}), nil

	case "replay":
		rate := 0.0
		if c.Realtime {
			rate = 1
		}
		src, err := capture.OpenReplay(c.ReplayDir, capture.ReplayOptions{Format: format, Rate: rate, Loop: c.Loop})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, src)
		return src, nil

	case "pipe":
		pc := capture.PipeConfig{
			Width:     cam.Width,
			Height:    cam.Height,
			RawWidth:  cam.RawWidth,
			RawHeight: cam.RawHeight,
			Format:    format,
			Clock:     p.clock,
		}
		if c.VectorsPath == "-" {
			pc.Vectors = os.Stdin
		} else {
			f, err := os.Open(c.VectorsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open vector stream: %w", err)
			}
			p.closers = append(p.closers, f)
			pc.Vectors = f
		}
		if c.RawPath != "" {
			f, err := os.Open(c.RawPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open raw stream: %w", err)
			}
			p.closers = append(p.closers, f)
			pc.Raw = f
		}
		return capture.NewPipeSource(pc)
	}
	return nil, fmt.Errorf("unknown capture source %q", c.Source)
}

func (p *Pipeline) buildSink(format eventfile.PixelFormat) output.Sink {
	out := p.cfg.Output
	sinks := output.Multi{output.CatalogSink{Catalog: p.catalog, Mode: out.Mode}, p.live}
	if out.DeleteDropped {
		sinks = append(sinks, output.CleanupSink{Root: out.Path, Catalog: p.catalog})
	}
	if out.Stills {
		sinks = append(sinks, output.StillsSink{Root: filepath.Join(out.Path, "stills"), Format: format})
	}
	return sinks
}

// Run recovers undecided events, then captures until the source is
// exhausted or ctx is cancelled. When the source ends, queued events and
// sequences are decided before Run returns; on cancellation they are left
// for the next run.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.dispatcher != nil {
		if _, err := p.dispatcher.Recover(p.cfg.Output.Path); err != nil {
			monitoring.Errorf("failed to recover undecided events: %v", err)
		}
	}

	var wg sync.WaitGroup
	sensorCtx, stopSensor := context.WithCancel(ctx)
	defer stopSensor()
	if p.sensor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.sensor.Run(sensorCtx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Errorf("sensor log reader stopped: %v", err)
			}
		}()
	}

	consumed := make(chan error, 1)
	go func() {
		switch {
		case p.dispatcher != nil:
			consumed <- p.dispatcher.Run(ctx)
		default:
			consumed <- p.frames.Run(ctx)
		}
	}()

	loopErr := p.loop.Run(ctx)
	if p.dispatcher != nil {
		p.dispatcher.Close()
	}
	if err := <-consumed; err != nil && !errors.Is(err, context.Canceled) {
		monitoring.Errorf("inference stopped: %v", err)
	}
	stopSensor()
	wg.Wait()
	return loopErr
}

// Close releases the catalog, the sensor port and any opened streams.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Catalog is the event catalog of this run.
func (p *Pipeline) Catalog() *db.DB { return p.catalog }
