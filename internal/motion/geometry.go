package motion

import (
	"fmt"
	"math"
)

// Geometry describes the expected subject and the camera optics. It is used
// to translate a real-world animal size and speed into a SOTV trigger level.
type Geometry struct {
	AreaReality     float64 // expected visible animal area, m²
	SubjectDistance float64 // m
	AnimalSpeed     float64 // m/s
	FocalLength     float64 // m
	PixelSize       float64 // sensor pixel pitch, m
	NumPixels       int     // sensor pixels across the width
}

// DefaultGeometry matches a small mammal one metre from a Pi camera v1.
func DefaultGeometry() Geometry {
	return Geometry{
		AreaReality:     0.0064,
		SubjectDistance: 1.0,
		AnimalSpeed:     1.0,
		FocalLength:     3.6e-3,
		PixelSize:       1.4e-6,
		NumPixels:       2592,
	}
}

// Derived holds the trigger parameters computed from a Geometry.
type Derived struct {
	AnimalDimension  float64 // pixels
	AnimalPixelSpeed float64 // pixels per frame
	AreaInVectors    float64 // macroblocks
	SOTVThreshold    float64
	IIRCutoffHz      float64
}

// Derive computes the SOTV threshold and IIR cutoff for a camera running at
// framerate with the given horizontal resolution.
func (g Geometry) Derive(framerate float64, width int) (Derived, error) {
	switch {
	case framerate <= 0:
		return Derived{}, fmt.Errorf("framerate must be positive, got %g", framerate)
	case width <= 0:
		return Derived{}, fmt.Errorf("width must be positive, got %d", width)
	case g.SubjectDistance <= 0 || g.PixelSize <= 0 || g.NumPixels <= 0:
		return Derived{}, fmt.Errorf("subject distance, pixel size and pixel count must be positive")
	case g.AreaReality <= 0 || g.FocalLength <= 0 || g.AnimalSpeed <= 0:
		return Derived{}, fmt.Errorf("animal area, focal length and speed must be positive")
	}

	pixelRatio := g.PixelSize * float64(g.NumPixels) / float64(width)
	var d Derived
	d.AnimalDimension = math.Sqrt(g.AreaReality) * g.FocalLength / (pixelRatio * g.SubjectDistance)
	d.AreaInVectors = d.AnimalDimension * d.AnimalDimension / (16 * 16)
	d.AnimalPixelSpeed = (g.AnimalSpeed / framerate * g.FocalLength) / (pixelRatio * g.SubjectDistance)
	d.SOTVThreshold = d.AnimalPixelSpeed * d.AreaInVectors

	// Time for the animal to cross the frame sets the smoothing bandwidth.
	animalFrames := float64(width) / d.AnimalPixelSpeed
	d.IIRCutoffHz = framerate / animalFrames
	return d, nil
}
