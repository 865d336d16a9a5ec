// Package config loads the camera trap configuration. The file is read once at
// startup, validated, and treated as an immutable snapshot for the run.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/camtrap/internal/capture"
	"github.com/banshee-data/camtrap/internal/motion"
)

// DefaultConfigPath is the path to the example configuration shipped with
// the repository.
const DefaultConfigPath = "config/camtrap.example.json"

// Pipeline modes.
const (
	ModeEvent = "event" // low-power: persist events, then run spiral inference per event
	ModeFrame = "frame" // legacy: per-frame priority queue in memory
)

// Config is the root configuration.
type Config struct {
	Pipeline   PipelineConfig   `json:"pipeline"`
	Camera     CameraConfig     `json:"camera"`
	Motion     MotionConfig     `json:"motion"`
	Animal     AnimalConfig     `json:"animal"`
	Processing ProcessingConfig `json:"processing"`
	Capture    CaptureConfig    `json:"capture"`
	Output     OutputConfig     `json:"output"`
	Sensor     SensorConfig     `json:"sensor"`
	Detector   DetectorConfig   `json:"detector"`
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
}

type PipelineConfig struct {
	Mode string `json:"mode"`
}

type CameraConfig struct {
	Framerate   float64 `json:"framerate"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	RawWidth    int     `json:"raw_width"`
	RawHeight   int     `json:"raw_height"`
	PixelFormat string  `json:"pixel_format"`
}

// MotionConfig holds the scene geometry and filter settings. SOTVThreshold
// and IIRCutoffHz override the values derived from geometry when set.
type MotionConfig struct {
	AreaReality     float64  `json:"area_reality"`
	SubjectDistance float64  `json:"subject_distance"`
	AnimalSpeed     float64  `json:"animal_speed"`
	FocalLength     float64  `json:"focal_len"`
	PixelSize       float64  `json:"pixel_size"`
	NumPixels       int      `json:"num_pixels"`
	SmallThreshold  int      `json:"small_threshold"`
	SOTVThreshold   *float64 `json:"sotv_threshold,omitempty"`
	IIRCutoffHz     *float64 `json:"iir_cutoff_hz,omitempty"`
	IIROrder        int      `json:"iir_order"`
	IIRAttenuation  float64  `json:"iir_attenuation"`
}

type AnimalConfig struct {
	Threshold      float64 `json:"animal_threshold"`
	DetectHumans   bool    `json:"detect_humans"`
	HumanThreshold float64 `json:"human_threshold"`
}

// ProcessingConfig holds event and sequence bounds. Durations are seconds.
type ProcessingConfig struct {
	SmoothingFactor    float64 `json:"smoothing_factor"`
	MaxSequencePeriodS float64 `json:"max_sequence_period_s"`
	ContextLengthS     float64 `json:"context_length_s"`
	QuietPeriodS       float64 `json:"quiet_period_s"`
	BufferS            float64 `json:"buffer_s"`
	DetectorFraction   float64 `json:"detector_fraction"`
}

type CaptureConfig struct {
	Source      string `json:"source"` // synthetic, replay or pipe
	ReplayDir   string `json:"replay_dir,omitempty"`
	VectorsPath string `json:"vectors_path,omitempty"` // "-" reads stdin
	RawPath     string `json:"raw_path,omitempty"`
	QueueDepth  int    `json:"queue_depth"`
	Loop        bool   `json:"loop,omitempty"`
	// Realtime paces synthetic and replay sources at the camera framerate.
	Realtime bool `json:"realtime"`
	// Synthetic scene: frame count (0 runs until stopped) and the frame
	// ranges containing motion.
	SyntheticFrames int              `json:"synthetic_frames,omitempty"`
	SyntheticMotion []capture.Window `json:"synthetic_motion,omitempty"`
}

type OutputConfig struct {
	Path          string `json:"path"`
	Mode          string `json:"output_mode"` // disk or send
	DeleteDropped bool   `json:"delete_dropped"`
	DatabasePath  string `json:"database_path"`
	Stills        bool   `json:"stills"`
}

type SensorConfig struct {
	Enabled     bool    `json:"enabled"`
	Port        string  `json:"port"`
	Baud        int     `json:"baud"`
	IntervalS   float64 `json:"interval_s"`
	PollCommand string  `json:"poll_command,omitempty"`
}

type DetectorConfig struct {
	Kind        string  `json:"kind"` // http, grpc or none
	Address     string  `json:"address,omitempty"`
	TimeoutS    float64 `json:"timeout_s"`
	InputWidth  int     `json:"input_width"`
	InputHeight int     `json:"input_height"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	Path  string `json:"path,omitempty"`
}

type HTTPConfig struct {
	Listen string `json:"listen"`
}

// Default returns the configuration used when no file is given. Loading a
// file starts from these values, so partial files are safe.
func Default() *Config {
	g := motion.DefaultGeometry()
	return &Config{
		Pipeline: PipelineConfig{Mode: ModeEvent},
		Camera: CameraConfig{
			Framerate:   20,
			Width:       1920,
			Height:      1080,
			RawWidth:    640,
			RawHeight:   480,
			PixelFormat: "yuv420",
		},
		Motion: MotionConfig{
			AreaReality:     g.AreaReality,
			SubjectDistance: g.SubjectDistance,
			AnimalSpeed:     g.AnimalSpeed,
			FocalLength:     g.FocalLength,
			PixelSize:       g.PixelSize,
			NumPixels:       g.NumPixels,
			SmallThreshold:  10,
			IIROrder:        3,
			IIRAttenuation:  35,
		},
		Animal: AnimalConfig{Threshold: 0.75, DetectHumans: true, HumanThreshold: 0.75},
		Processing: ProcessingConfig{
			SmoothingFactor:    0.5,
			MaxSequencePeriodS: 10,
			ContextLengthS:     3,
			QuietPeriodS:       0.5,
			BufferS:            10,
			DetectorFraction:   1,
		},
		Capture:  CaptureConfig{Source: "synthetic", QueueDepth: 100, Realtime: true},
		Output:   OutputConfig{Path: "output", Mode: "disk", DeleteDropped: true, DatabasePath: "camtrap.db"},
		Sensor:   SensorConfig{Port: "/dev/ttyUSB0", Baud: 57600, IntervalS: 30},
		Detector: DetectorConfig{Kind: "none", TimeoutS: 5, InputWidth: 416, InputHeight: 416},
		Logging:  LoggingConfig{Level: "info"},
		HTTP:     HTTPConfig{Listen: "localhost:8080"},
	}
}

// Load reads a JSON configuration file on top of Default and validates it.
// The file must have a .json extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports the first inconsistency in the configuration.
func (c *Config) Validate() error {
	switch c.Pipeline.Mode {
	case ModeEvent, ModeFrame:
	default:
		return fmt.Errorf("pipeline mode must be %q or %q, got %q", ModeEvent, ModeFrame, c.Pipeline.Mode)
	}

	cam := c.Camera
	if cam.Framerate <= 0 {
		return fmt.Errorf("framerate must be positive, got %g", cam.Framerate)
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", cam.Width, cam.Height)
	}
	if cam.RawWidth <= 0 || cam.RawHeight <= 0 || cam.RawWidth > math.MaxUint16 || cam.RawHeight > math.MaxUint16 {
		return fmt.Errorf("raw frame size must be between 1 and %d, got %dx%d", math.MaxUint16, cam.RawWidth, cam.RawHeight)
	}
	switch strings.ToLower(cam.PixelFormat) {
	case "yuv420", "gray", "rgb24":
	default:
		return fmt.Errorf("unsupported pixel_format %q", cam.PixelFormat)
	}

	m := c.Motion
	if m.SmallThreshold < 0 {
		return fmt.Errorf("small_threshold must be non-negative, got %d", m.SmallThreshold)
	}
	if m.IIROrder < 0 || m.IIROrder > 8 {
		return fmt.Errorf("iir_order must be between 0 and 8, got %d", m.IIROrder)
	}
	if m.IIROrder > 0 && m.IIRAttenuation <= 0 {
		return fmt.Errorf("iir_attenuation must be positive, got %g", m.IIRAttenuation)
	}
	threshold, cutoff, err := c.MotionTrigger()
	if err != nil {
		return err
	}
	if threshold <= 0 {
		return fmt.Errorf("sotv_threshold must be positive, got %g", threshold)
	}
	if m.IIROrder > 0 && (cutoff <= 0 || cutoff >= cam.Framerate/2) {
		return fmt.Errorf("iir cutoff %g Hz must lie between 0 and Nyquist (%g Hz)", cutoff, cam.Framerate/2)
	}

	a := c.Animal
	if a.Threshold < 0 || a.Threshold > 1 {
		return fmt.Errorf("animal_threshold must be between 0 and 1, got %g", a.Threshold)
	}
	if a.HumanThreshold < 0 || a.HumanThreshold > 1 {
		return fmt.Errorf("human_threshold must be between 0 and 1, got %g", a.HumanThreshold)
	}

	p := c.Processing
	if p.DetectorFraction < 0 || p.DetectorFraction > 1 || math.IsNaN(p.DetectorFraction) {
		return fmt.Errorf("detector_fraction must be between 0 and 1, got %g", p.DetectorFraction)
	}
	if p.SmoothingFactor < 0 {
		return fmt.Errorf("smoothing_factor must be non-negative, got %g", p.SmoothingFactor)
	}
	if p.ContextLengthS < 0 || p.QuietPeriodS < 0 {
		return fmt.Errorf("context_length_s and quiet_period_s must be non-negative")
	}
	if p.MaxSequencePeriodS <= 0 {
		return fmt.Errorf("max_sequence_period_s must be positive, got %g", p.MaxSequencePeriodS)
	}
	if p.BufferS <= 0 || p.BufferS < p.ContextLengthS {
		return fmt.Errorf("buffer_s (%g) must be positive and cover context_length_s (%g)", p.BufferS, p.ContextLengthS)
	}

	switch c.Capture.Source {
	case "synthetic":
	case "replay":
		if c.Capture.ReplayDir == "" {
			return fmt.Errorf("replay source requires replay_dir")
		}
	case "pipe":
		if c.Capture.VectorsPath == "" {
			return fmt.Errorf("pipe source requires vectors_path")
		}
	default:
		return fmt.Errorf("unknown capture source %q", c.Capture.Source)
	}
	if c.Capture.SyntheticFrames < 0 {
		return fmt.Errorf("synthetic_frames must be non-negative, got %d", c.Capture.SyntheticFrames)
	}
	for _, w := range c.Capture.SyntheticMotion {
		if w.From < 0 || w.To < w.From {
			return fmt.Errorf("invalid synthetic motion window [%d, %d]", w.From, w.To)
		}
	}
	if c.Capture.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.Capture.QueueDepth)
	}

	if c.Output.Path == "" {
		return fmt.Errorf("output path must be set")
	}
	switch c.Output.Mode {
	case "disk", "send":
	default:
		return fmt.Errorf("output_mode must be disk or send, got %q", c.Output.Mode)
	}

	if c.Sensor.Enabled {
		if c.Sensor.Port == "" || c.Sensor.Baud <= 0 || c.Sensor.IntervalS <= 0 {
			return fmt.Errorf("sensor requires port, positive baud and interval_s")
		}
	}

	switch c.Detector.Kind {
	case "none":
	case "http", "grpc":
		if c.Detector.Address == "" {
			return fmt.Errorf("%s detector requires address", c.Detector.Kind)
		}
	default:
		return fmt.Errorf("unknown detector kind %q", c.Detector.Kind)
	}
	if c.Detector.TimeoutS <= 0 {
		return fmt.Errorf("detector timeout_s must be positive, got %g", c.Detector.TimeoutS)
	}
	if c.Detector.InputWidth <= 0 || c.Detector.InputHeight <= 0 {
		return fmt.Errorf("detector input size must be positive")
	}
	return nil
}

// Geometry returns the scene geometry used to derive the trigger.
func (c *Config) Geometry() motion.Geometry {
	m := c.Motion
	return motion.Geometry{
		AreaReality:     m.AreaReality,
		SubjectDistance: m.SubjectDistance,
		AnimalSpeed:     m.AnimalSpeed,
		FocalLength:     m.FocalLength,
		PixelSize:       m.PixelSize,
		NumPixels:       m.NumPixels,
	}
}

// MotionTrigger returns the SOTV threshold and IIR cutoff, applying explicit
// overrides over the geometry-derived values.
func (c *Config) MotionTrigger() (threshold, cutoffHz float64, err error) {
	d, err := c.Geometry().Derive(c.Camera.Framerate, c.Camera.Width)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid motion geometry: %w", err)
	}
	threshold, cutoffHz = d.SOTVThreshold, d.IIRCutoffHz
	if c.Motion.SOTVThreshold != nil {
		threshold = *c.Motion.SOTVThreshold
	}
	if c.Motion.IIRCutoffHz != nil {
		cutoffHz = *c.Motion.IIRCutoffHz
	}
	return threshold, cutoffHz, nil
}

// MotionParams assembles the scorer parameters.
func (c *Config) MotionParams() (motion.Params, error) {
	threshold, cutoff, err := c.MotionTrigger()
	if err != nil {
		return motion.Params{}, err
	}
	return motion.Params{
		SmallThreshold: c.Motion.SmallThreshold,
		SOTVThreshold:  threshold,
		IIR: motion.IIRParams{
			Order:         c.Motion.IIROrder,
			AttenuationDB: c.Motion.IIRAttenuation,
			CutoffHz:      cutoff,
			Framerate:     c.Camera.Framerate,
		},
	}, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (p ProcessingConfig) ContextLength() time.Duration    { return seconds(p.ContextLengthS) }
func (p ProcessingConfig) QuietPeriod() time.Duration      { return seconds(p.QuietPeriodS) }
func (p ProcessingConfig) MaxEventDuration() time.Duration { return seconds(p.MaxSequencePeriodS) }
func (p ProcessingConfig) BufferLength() time.Duration     { return seconds(p.BufferS) }

// FlushInterval is how long buffers may fill during an open event before all
// streams are flushed together.
func (p ProcessingConfig) FlushInterval() time.Duration { return seconds(0.75 * p.BufferS) }

func (d DetectorConfig) Timeout() time.Duration { return seconds(d.TimeoutS) }
func (s SensorConfig) Interval() time.Duration  { return seconds(s.IntervalS) }

// Frames converts a duration to a whole number of frames at the camera rate,
// rounding up.
func (c CameraConfig) Frames(d time.Duration) int {
	return int(math.Ceil(d.Seconds()*c.Framerate - 1e-9))
}

// SmoothingLen is the number of neighbouring frames labelled along with
// each animal detection in frame mode.
func (c *Config) SmoothingLen() int {
	return c.Camera.Frames(seconds(c.Processing.SmoothingFactor))
}

// BufferFrames is the per-stream ring capacity.
func (c *Config) BufferFrames() int {
	n := c.Camera.Frames(c.Processing.BufferLength())
	if n < 1 {
		n = 1
	}
	return n
}
