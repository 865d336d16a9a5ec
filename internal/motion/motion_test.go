package motion

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFrame(r *rand.Rand, cols, rows int) *VectorFrame {
	f := &VectorFrame{Cols: cols, Rows: rows, Vectors: make([]Vector, cols*rows)}
	for i := range f.Vectors {
		f.Vectors[i] = Vector{X: int8(r.Intn(256) - 128), Y: int8(r.Intn(256) - 128), SAD: uint16(r.Intn(1 << 16))}
	}
	return f
}

func TestSOTVMatchesManualSum(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, threshold := range []int{0, 5, 10, 40, 127} {
		f := randomFrame(r, 41, 23)

		var wantX, wantY int
		for _, v := range f.Vectors {
			x, y := float64(v.X), float64(v.Y)
			if math.Sqrt(x*x+y*y) > float64(threshold) {
				wantX += int(v.X)
				wantY += int(v.Y)
			}
		}
		gotX, gotY, mag := SOTV(f, threshold)
		assert.Equal(t, wantX, gotX, "threshold %d", threshold)
		assert.Equal(t, wantY, gotY, "threshold %d", threshold)
		assert.InDelta(t, math.Hypot(float64(wantX), float64(wantY)), mag, 1e-9)

		// Order of accumulation must not matter.
		shuffled := &VectorFrame{Cols: f.Cols, Rows: f.Rows, Vectors: append([]Vector(nil), f.Vectors...)}
		r.Shuffle(len(shuffled.Vectors), func(i, j int) {
			shuffled.Vectors[i], shuffled.Vectors[j] = shuffled.Vectors[j], shuffled.Vectors[i]
		})
		sx, sy, _ := SOTV(shuffled, threshold)
		assert.Equal(t, gotX, sx)
		assert.Equal(t, gotY, sy)
	}
}

func TestSOTVThresholdIsStrict(t *testing.T) {
	f := &VectorFrame{Cols: 3, Rows: 1, Vectors: []Vector{{X: 6, Y: 8}, {X: 3, Y: 4}, {X: -10, Y: 0}}}
	x, y, _ := SOTV(f, 10)
	assert.Equal(t, 0, x, "magnitude exactly at threshold is excluded")
	assert.Equal(t, 0, y)

	x, y, mag := SOTV(f, 9)
	assert.Equal(t, -4, x)
	assert.Equal(t, 8, y)
	assert.InDelta(t, math.Hypot(4, 8), mag, 1e-12)

	_, _, mag = SOTV(nil, 1)
	assert.Zero(t, mag)
}

func TestDecodeVectors(t *testing.T) {
	cols, rows := GridSize(64, 32)
	require.Equal(t, 5, cols)
	require.Equal(t, 2, rows)

	r := rand.New(rand.NewSource(1))
	want := randomFrame(r, cols, rows)
	data := want.AppendEncoded(nil)
	require.Len(t, data, FrameBytes(cols, rows))

	got, err := DecodeVectors(data, cols, rows)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want.Vectors[cols+2], got.At(2, 1))

	_, err = DecodeVectors(data[:len(data)-1], cols, rows)
	assert.Error(t, err)
}

func TestCheby2LowpassDesign(t *testing.T) {
	for _, order := range []int{1, 2, 3, 4, 5} {
		b, a, err := Cheby2Lowpass(order, 35, 1.25, 20)
		require.NoError(t, err)
		require.Len(t, b, order+1)
		require.Len(t, a, order+1)
		assert.InDelta(t, 1.0, a[0], 1e-12)

		var sb, sa float64
		for i := range b {
			sb += b[i]
			sa += a[i]
		}
		assert.InDelta(t, 1.0, sb/sa, 1e-9, "unity DC gain for order %d", order)

		// Gain at Nyquist is bounded by the stop-band attenuation.
		var nb, na float64
		for i := range b {
			sign := 1.0
			if i%2 == 1 {
				sign = -1
			}
			nb += sign * b[i]
			na += sign * a[i]
		}
		assert.LessOrEqual(t, math.Abs(nb/na), math.Pow(10, -35.0/20)+1e-9)

		for _, root := range roots(a) {
			assert.Less(t, cmplx.Abs(root), 1.0, "pole outside unit circle for order %d", order)
		}
	}
}

// roots finds polynomial roots with Durand-Kerner iteration.
func roots(c []float64) []complex128 {
	n := len(c) - 1
	z := make([]complex128, n)
	for i := range z {
		z[i] = cmplx.Pow(complex(0.4, 0.9), complex(float64(i), 0))
	}
	eval := func(x complex128) complex128 {
		var v complex128
		for _, ci := range c {
			v = v*x + complex(ci, 0)
		}
		return v
	}
	for iter := 0; iter < 500; iter++ {
		for i := range z {
			den := complex(c[0], 0)
			for j := range z {
				if i != j {
					den *= z[i] - z[j]
				}
			}
			z[i] -= eval(z[i]) / den
		}
	}
	return z
}

func TestCheby2LowpassRejectsBadInput(t *testing.T) {
	_, _, err := Cheby2Lowpass(0, 35, 1, 20)
	assert.Error(t, err)
	_, _, err = Cheby2Lowpass(3, 0, 1, 20)
	assert.Error(t, err)
	_, _, err = Cheby2Lowpass(3, 35, 10, 20)
	assert.Error(t, err, "cutoff at Nyquist")
	_, _, err = Cheby2Lowpass(3, 35, 1, 0)
	assert.Error(t, err)
}

func TestIIRFilterStepResponse(t *testing.T) {
	f, err := NewIIRFilter(IIRParams{Order: 3, AttenuationDB: 35, CutoffHz: 1.25, Framerate: 20})
	require.NoError(t, err)

	// A single-frame spike is heavily attenuated.
	peak := f.Filter(1000)
	for i := 0; i < 5; i++ {
		peak = math.Max(peak, f.Filter(0))
	}
	assert.Less(t, peak, 500.0)

	f.Reset()
	var y float64
	for i := 0; i < 400; i++ {
		y = f.Filter(100)
	}
	assert.InDelta(t, 100, y, 1e-6, "step settles to input")

	pass, err := NewIIRFilter(IIRParams{})
	require.NoError(t, err)
	assert.Equal(t, 42.0, pass.Filter(42))
}

func TestGeometryDefaults(t *testing.T) {
	d, err := DefaultGeometry().Derive(20, 1920)
	require.NoError(t, err)
	assert.InDelta(t, 152.38, d.AnimalDimension, 0.01)
	assert.InDelta(t, 95.238, d.AnimalPixelSpeed, 0.001)
	assert.InDelta(t, 8638.4, d.SOTVThreshold, 0.5)
	assert.InDelta(t, 0.992, d.IIRCutoffHz, 0.001)

	_, err = DefaultGeometry().Derive(0, 1920)
	assert.Error(t, err)
	g := DefaultGeometry()
	g.SubjectDistance = 0
	_, err = g.Derive(20, 1920)
	assert.Error(t, err)
}

func TestScorerLabelsFrames(t *testing.T) {
	s, err := NewScorer(Params{SmallThreshold: 10, SOTVThreshold: 100})
	require.NoError(t, err)

	moving := &VectorFrame{Cols: 2, Rows: 1, Vectors: []Vector{{X: 60, Y: 0}, {X: 60, Y: 0}}}
	noise := &VectorFrame{Cols: 2, Rows: 1, Vectors: []Vector{{X: 5, Y: 5}, {X: -3, Y: 2}}}

	ts := time.Unix(100, 0)
	sc := s.Score(ts, moving)
	assert.Equal(t, Moving, sc.Status)
	assert.Equal(t, 120.0, sc.Raw)
	assert.Equal(t, 120.0, sc.Priority())
	assert.Equal(t, ts, sc.Timestamp)

	sc = s.Score(ts, noise)
	assert.Equal(t, Still, sc.Status)
	assert.Equal(t, -1.0, sc.Priority())
	assert.Equal(t, uint64(2), s.Latency().Count)

	_, err = NewScorer(Params{SmallThreshold: -1})
	assert.Error(t, err)
}
