// Package eventfile writes and reads the on-disk event format.
//
// An event is a directory holding three time-aligned streams and a JSON
// header:
//
//	clip.dat       raw frames:  {uint16 width, uint16 height, pixels[width*height*stride]}...
//	clip_vect.dat  vectors:     {float64 unix seconds, float64 score, uint16 cols, uint16 rows, vectors[cols*rows*4]}...
//	clip.h264      encoded video bytes, starting at a keyframe
//	event.json     Header
//
// All integers are little-endian and no stream carries a global header, so
// frame sizes may vary within one file.
package eventfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/camtrap/internal/motion"
)

// File names inside an event directory.
const (
	RawFileName     = "clip.dat"
	VectorsFileName = "clip_vect.dat"
	VideoFileName   = "clip.h264"
	HeaderFileName  = "event.json"
)

const (
	rawHeaderSize    = 4
	vectorHeaderSize = 20
)

// PixelFormat determines the byte stride of raw frames.
type PixelFormat int

const (
	YUV420 PixelFormat = iota // 1.5 bytes per pixel
	Gray8                     // 1 byte per pixel
	RGB24                     // 3 bytes per pixel
)

// ParsePixelFormat maps a configuration name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "yuv420", "":
		return YUV420, nil
	case "gray", "gray8":
		return Gray8, nil
	case "rgb24", "rgb":
		return RGB24, nil
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

func (p PixelFormat) String() string {
	switch p {
	case Gray8:
		return "gray"
	case RGB24:
		return "rgb24"
	default:
		return "yuv420"
	}
}

// FrameSize is the payload length of a width x height frame.
func (p PixelFormat) FrameSize(width, height int) int64 {
	px := int64(width) * int64(height)
	switch p {
	case Gray8:
		return px
	case RGB24:
		return px * 3
	default:
		return px * 3 / 2
	}
}

// RawFrame is one downsampled frame from the camera.
type RawFrame struct {
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// VectorRecord is a scored motion-vector frame. Score is the smoothed SOTV
// score the frame was observed with.
type VectorRecord struct {
	Timestamp time.Time
	Score     float64
	Frame     *motion.VectorFrame
}

// EncodedFrame is one access unit of encoded video.
type EncodedFrame struct {
	Timestamp time.Time
	Keyframe  bool
	Data      []byte
}

func encodeTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func decodeTime(s float64) time.Time {
	return time.Unix(0, int64(math.Round(s*1e9)))
}

// AppendRawRecord appends the record for f to dst. The payload must match the
// frame dimensions under format.
func AppendRawRecord(dst []byte, f RawFrame, format PixelFormat) ([]byte, error) {
	if f.Width <= 0 || f.Height <= 0 || f.Width > math.MaxUint16 || f.Height > math.MaxUint16 {
		return dst, fmt.Errorf("raw frame size %dx%d out of range", f.Width, f.Height)
	}
	if want := format.FrameSize(f.Width, f.Height); int64(len(f.Data)) != want {
		return dst, fmt.Errorf("raw frame payload is %d bytes, want %d for %dx%d %s", len(f.Data), want, f.Width, f.Height, format)
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(f.Width))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(f.Height))
	return append(dst, f.Data...), nil
}

// AppendVectorRecord appends the record for v to dst.
func AppendVectorRecord(dst []byte, v VectorRecord) ([]byte, error) {
	if v.Frame == nil {
		return dst, fmt.Errorf("vector record has no frame")
	}
	if v.Frame.Cols > math.MaxUint16 || v.Frame.Rows > math.MaxUint16 || len(v.Frame.Vectors) != v.Frame.Cols*v.Frame.Rows {
		return dst, fmt.Errorf("vector grid %dx%d is inconsistent", v.Frame.Cols, v.Frame.Rows)
	}
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(encodeTime(v.Timestamp)))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.Score))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(v.Frame.Cols))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(v.Frame.Rows))
	return v.Frame.AppendEncoded(dst), nil
}
