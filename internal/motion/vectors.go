// Package motion scores encoder motion-vector grids. Each frame is reduced to
// a sum of thresholded vectors, smoothed by a low-pass IIR filter and compared
// against a trigger threshold derived from the scene geometry.
package motion

import (
	"encoding/binary"
	"fmt"
)

// VectorSize is the encoded size of one macroblock vector in bytes.
const VectorSize = 4

// Vector is one macroblock displacement estimate.
type Vector struct {
	X   int8
	Y   int8
	SAD uint16
}

// VectorFrame is the grid of vectors the encoder emits for one frame, stored
// row-major.
type VectorFrame struct {
	Cols    int
	Rows    int
	Vectors []Vector
}

// GridSize returns the vector grid dimensions for a frame of the given pixel
// size. The encoder emits one extra column per row.
func GridSize(width, height int) (cols, rows int) {
	return (width+15)/16 + 1, (height + 15) / 16
}

// FrameBytes is the encoded size of a full vector grid.
func FrameBytes(cols, rows int) int {
	return cols * rows * VectorSize
}

// DecodeVectors parses an encoder vector buffer of exactly cols*rows records.
func DecodeVectors(data []byte, cols, rows int) (*VectorFrame, error) {
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("invalid vector grid %dx%d", cols, rows)
	}
	if want := FrameBytes(cols, rows); len(data) != want {
		return nil, fmt.Errorf("vector buffer is %d bytes, want %d for %dx%d grid", len(data), want, cols, rows)
	}
	f := &VectorFrame{Cols: cols, Rows: rows, Vectors: make([]Vector, cols*rows)}
	for i := range f.Vectors {
		b := data[i*VectorSize:]
		f.Vectors[i] = Vector{
			X:   int8(b[0]),
			Y:   int8(b[1]),
			SAD: binary.LittleEndian.Uint16(b[2:4]),
		}
	}
	return f, nil
}

// AppendEncoded appends the encoder layout of f to dst.
func (f *VectorFrame) AppendEncoded(dst []byte) []byte {
	for _, v := range f.Vectors {
		dst = append(dst, byte(v.X), byte(v.Y))
		dst = binary.LittleEndian.AppendUint16(dst, v.SAD)
	}
	return dst
}

// At returns the vector at column c, row r.
func (f *VectorFrame) At(c, r int) Vector {
	return f.Vectors[r*f.Cols+c]
}
