// Package detector adapts animal detection services to the pipeline. A
// Detector receives one prepared RGBA frame and reports the highest animal
// and human confidences it found.
package detector

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"strings"
	"time"
)

// ErrUnavailable is returned when the detection service cannot be reached.
var ErrUnavailable = errors.New("detector unavailable")

// PixelBuffer is a frame ready for inference.
type PixelBuffer struct {
	Image     *image.RGBA
	Timestamp time.Time
}

// Object is a single labelled detection.
type Object struct {
	Label      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"` // [x1, y1, x2, y2]
}

// Detection summarises the objects found in one frame.
type Detection struct {
	Animal  float64
	Human   float64
	Objects []Object
}

// Detector runs inference on one frame.
type Detector interface {
	Detect(ctx context.Context, buf PixelBuffer) (Detection, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, buf PixelBuffer) (Detection, error)

func (f Func) Detect(ctx context.Context, buf PixelBuffer) (Detection, error) { return f(ctx, buf) }

var humanLabels = map[string]bool{"person": true, "human": true, "people": true}

// Vehicles are neither animal nor human.
var ignoredLabels = map[string]bool{
	"vehicle": true, "car": true, "truck": true, "bus": true,
	"motorcycle": true, "bicycle": true, "train": true, "boat": true,
}

// Classify folds detector objects into animal and human confidences. Any
// label that is not a person or a vehicle counts as an animal, so both
// "animal"-only models and COCO-style class lists work.
func Classify(objects []Object) Detection {
	d := Detection{Objects: objects}
	for _, o := range objects {
		label := strings.ToLower(strings.TrimSpace(o.Label))
		switch {
		case humanLabels[label]:
			d.Human = max(d.Human, o.Confidence)
		case ignoredLabels[label], label == "":
		default:
			d.Animal = max(d.Animal, o.Confidence)
		}
	}
	return d
}

// Thresholds turns confidences into decisions.
type Thresholds struct {
	Animal       float64
	Human        float64
	DetectHumans bool
}

// Evaluate reports whether d shows an animal and, when human detection is
// enabled, a human.
func (t Thresholds) Evaluate(d Detection) (animal, human bool) {
	animal = d.Animal >= t.Animal
	human = t.DetectHumans && d.Human >= t.Human
	return animal, human
}

// EncodeJPEG compresses img for transport to a remote detector.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
