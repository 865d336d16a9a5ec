package spiral

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
)

// RawFileSource reads frames from an event's raw stream and prepares them
// at the detector input size.
type RawFileSource struct {
	f      *os.File
	format eventfile.PixelFormat
	size   image.Point
}

// OpenRawFile opens path for lazy frame reads.
func OpenRawFile(path string, format eventfile.PixelFormat, size image.Point) (*RawFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw stream: %w", err)
	}
	return &RawFileSource{f: f, format: format, size: size}, nil
}

func (s *RawFileSource) Frame(ctx context.Context, d eventfile.FrameDescriptor) (detector.PixelBuffer, error) {
	data, err := eventfile.ReadFrame(s.f, d)
	if err != nil {
		return detector.PixelBuffer{}, err
	}
	img, err := detector.Prepare(data, d.Width, d.Height, s.format, s.size)
	if err != nil {
		return detector.PixelBuffer{}, err
	}
	return detector.PixelBuffer{Image: img}, nil
}

func (s *RawFileSource) Close() error { return s.f.Close() }
