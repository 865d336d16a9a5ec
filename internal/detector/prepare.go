package detector

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/banshee-data/camtrap/internal/eventfile"
)

// Decode wraps a raw frame payload in an image without copying pixels where
// the layout allows it.
func Decode(data []byte, width, height int, format eventfile.PixelFormat) (image.Image, error) {
	if want := format.FrameSize(width, height); int64(len(data)) != want {
		return nil, fmt.Errorf("frame payload is %d bytes, want %d for %dx%d %s", len(data), want, width, height, format)
	}
	rect := image.Rect(0, 0, width, height)
	switch format {
	case eventfile.Gray8:
		return &image.Gray{Pix: data, Stride: width, Rect: rect}, nil
	case eventfile.RGB24:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
			img.Pix[j] = data[i]
			img.Pix[j+1] = data[i+1]
			img.Pix[j+2] = data[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	default:
		// I420: full-resolution Y plane followed by quarter-size U and V planes.
		cw, ch := (width+1)/2, (height+1)/2
		ySize := width * height
		if ySize+2*cw*ch > len(data) {
			return nil, fmt.Errorf("odd-sized %dx%d yuv420 frame is not supported", width, height)
		}
		return &image.YCbCr{
			Y:              data[:ySize],
			Cb:             data[ySize : ySize+cw*ch],
			Cr:             data[ySize+cw*ch : ySize+2*cw*ch],
			YStride:        width,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	}
}

// Prepare converts a raw frame to RGBA at the model input size. A zero size
// keeps the frame dimensions.
func Prepare(data []byte, width, height int, format eventfile.PixelFormat, size image.Point) (*image.RGBA, error) {
	src, err := Decode(data, width, height, format)
	if err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		size = image.Pt(width, height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	if size.X == width && size.Y == height {
		draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
		return dst, nil
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
