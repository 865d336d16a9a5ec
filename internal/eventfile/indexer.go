package eventfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/banshee-data/camtrap/internal/motion"
)

// FrameDescriptor locates one raw frame inside a raw-frame file. It never
// holds pixel data.
type FrameDescriptor struct {
	Index  int
	Offset int64 // payload offset, just past the record header
	Width  int
	Height int
	Size   int64
}

// IndexRaw scans a raw-frame stream and returns a descriptor per complete
// record. Payloads are skipped with Seek and never read. A truncated header
// or payload ends the index without error.
func IndexRaw(r io.ReadSeeker, format PixelFormat) ([]FrameDescriptor, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size raw stream: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind raw stream: %w", err)
	}

	var (
		out    []FrameDescriptor
		hdr    [rawHeaderSize]byte
		offset int64
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("failed to read frame header at %d: %w", offset, err)
		}
		w := int(binary.LittleEndian.Uint16(hdr[0:2]))
		h := int(binary.LittleEndian.Uint16(hdr[2:4]))
		size := format.FrameSize(w, h)
		payload := offset + rawHeaderSize
		if w == 0 || h == 0 || payload+size > end {
			return out, nil
		}
		out = append(out, FrameDescriptor{Index: len(out), Offset: payload, Width: w, Height: h, Size: size})
		offset = payload + size
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return out, fmt.Errorf("failed to seek past frame %d: %w", len(out)-1, err)
		}
	}
}

// IndexRawFile indexes the raw-frame file at path.
func IndexRawFile(path string, format PixelFormat) ([]FrameDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw stream: %w", err)
	}
	defer f.Close()
	return IndexRaw(f, format)
}

// ReadFrame reads the pixels described by d.
func ReadFrame(r io.ReaderAt, d FrameDescriptor) ([]byte, error) {
	buf := make([]byte, d.Size)
	if _, err := r.ReadAt(buf, d.Offset); err != nil {
		return nil, fmt.Errorf("failed to read frame %d: %w", d.Index, err)
	}
	return buf, nil
}

// VectorDescriptor locates one record in a vectors stream.
type VectorDescriptor struct {
	Index  int
	Offset int64 // record start
	Cols   int
	Rows   int
	Score  float64
	Time   time.Time
}

// IndexVectors scans a vectors stream. Like IndexRaw it stops quietly at a
// truncated record.
func IndexVectors(r io.ReadSeeker) ([]VectorDescriptor, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size vectors stream: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind vectors stream: %w", err)
	}

	var (
		out    []VectorDescriptor
		hdr    [vectorHeaderSize]byte
		offset int64
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("failed to read vector header at %d: %w", offset, err)
		}
		d := VectorDescriptor{
			Index:  len(out),
			Offset: offset,
			Time:   decodeTime(math.Float64frombits(binary.LittleEndian.Uint64(hdr[0:8]))),
			Score:  math.Float64frombits(binary.LittleEndian.Uint64(hdr[8:16])),
			Cols:   int(binary.LittleEndian.Uint16(hdr[16:18])),
			Rows:   int(binary.LittleEndian.Uint16(hdr[18:20])),
		}
		next := offset + vectorHeaderSize + int64(motion.FrameBytes(d.Cols, d.Rows))
		if d.Cols == 0 || d.Rows == 0 || next > end {
			return out, nil
		}
		out = append(out, d)
		offset = next
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return out, fmt.Errorf("failed to seek past vector record %d: %w", d.Index, err)
		}
	}
}

// ReadVectorRecord decodes the record described by d.
func ReadVectorRecord(r io.ReaderAt, d VectorDescriptor) (VectorRecord, error) {
	buf := make([]byte, motion.FrameBytes(d.Cols, d.Rows))
	if _, err := r.ReadAt(buf, d.Offset+vectorHeaderSize); err != nil {
		return VectorRecord{}, fmt.Errorf("failed to read vector record %d: %w", d.Index, err)
	}
	f, err := motion.DecodeVectors(buf, d.Cols, d.Rows)
	if err != nil {
		return VectorRecord{}, err
	}
	return VectorRecord{Timestamp: d.Time, Score: d.Score, Frame: f}, nil
}

// IndexVectorsFile indexes the vectors file at path.
func IndexVectorsFile(path string) ([]VectorDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vectors stream: %w", err)
	}
	defer f.Close()
	return IndexVectors(f)
}
