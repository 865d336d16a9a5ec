package spiral

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
)

func init() { monitoring.SetLogger(nil) }

func TestOrder(t *testing.T) {
	cases := []struct {
		n        int
		fraction float64
		want     []int
	}{
		{9, 0.5, []int{4, 5, 3, 6, 2}},
		{9, 1, []int{4, 5, 3, 6, 2, 7, 1, 8, 0}},
		{9, 0, []int{4}},
		{10, 1, []int{5, 6, 4, 7, 3, 8, 2, 9, 1, 0}},
		{1, 0.3, []int{0}},
		{2, 1, []int{1, 0}},
		{0, 1, []int{}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d,f=%g", tc.n, tc.fraction), func(t *testing.T) {
			assert.Equal(t, tc.want, Order(tc.n, tc.fraction))
		})
	}
}

func TestOrderProperties(t *testing.T) {
	for n := 1; n <= 40; n++ {
		for _, f := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
			order := Order(n, f)
			require.Len(t, order, Budget(n, f), "n=%d f=%g", n, f)
			assert.Equal(t, n/2, order[0])
			seen := make(map[int]bool)
			for i, idx := range order {
				assert.False(t, seen[idx], "duplicate %d", idx)
				seen[idx] = true
				assert.True(t, idx >= 0 && idx < n)
				if i > 0 {
					prev := order[i-1] - n/2
					cur := idx - n/2
					assert.LessOrEqual(t, abs(prev), abs(cur), "not centre-out at %d", i)
				}
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestBudget(t *testing.T) {
	assert.Equal(t, 0, Budget(0, 0.5))
	assert.Equal(t, 1, Budget(100, 0))
	assert.Equal(t, 30, Budget(100, 0.3))
	assert.Equal(t, 5, Budget(9, 0.5))
	assert.Equal(t, 7, Budget(7, 1))
}

type fakeSource struct {
	fail map[int]bool
}

func (s fakeSource) Frame(ctx context.Context, d eventfile.FrameDescriptor) (detector.PixelBuffer, error) {
	if s.fail[d.Index] {
		return detector.PixelBuffer{}, errors.New("short read")
	}
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Pix[0] = uint8(d.Index)
	return detector.PixelBuffer{Image: img}, nil
}

func descriptors(n int) []eventfile.FrameDescriptor {
	out := make([]eventfile.FrameDescriptor, n)
	for i := range out {
		out[i] = eventfile.FrameDescriptor{Index: i, Width: 1, Height: 1, Size: 1}
	}
	return out
}

// scripted returns a detector whose animal and human confidences depend on
// the frame index encoded in the first pixel.
func scripted(animal, human map[int]float64, calls *[]int) detector.Detector {
	return detector.Func(func(ctx context.Context, buf detector.PixelBuffer) (detector.Detection, error) {
		idx := int(buf.Image.Pix[0])
		*calls = append(*calls, idx)
		return detector.Detection{Animal: animal[idx], Human: human[idx]}, nil
	})
}

func TestSchedulerPositive(t *testing.T) {
	var calls []int
	s, err := NewScheduler(Config{Fraction: 0.5, Thresholds: detector.Thresholds{Animal: 0.75}},
		scripted(map[int]float64{3: 0.9}, nil, &calls))
	require.NoError(t, err)

	res, err := s.Run(context.Background(), descriptors(9), fakeSource{})
	require.NoError(t, err)
	assert.True(t, res.Keep)
	assert.Equal(t, 3, res.FirstPositive)
	assert.Equal(t, 3, res.Inferences)
	assert.Equal(t, []int{4, 5, 3}, calls)
	assert.Equal(t, ReasonAnimal, res.Reason)
}

func TestSchedulerNoAnimal(t *testing.T) {
	var calls []int
	s, err := NewScheduler(Config{Fraction: 0.5, Thresholds: detector.Thresholds{Animal: 0.75}},
		scripted(map[int]float64{0: 0.99}, nil, &calls))
	require.NoError(t, err)

	res, err := s.Run(context.Background(), descriptors(9), fakeSource{})
	require.NoError(t, err)
	assert.False(t, res.Keep)
	assert.Equal(t, -1, res.FirstPositive)
	assert.Equal(t, []int{4, 5, 3, 6, 2}, res.Visited)
	assert.Equal(t, 5, res.Inferences)
	assert.Equal(t, ReasonNoAnimal, res.Reason)
}

func TestSchedulerHumanVeto(t *testing.T) {
	var calls []int
	th := detector.Thresholds{Animal: 0.5, Human: 0.5, DetectHumans: true}
	s, err := NewScheduler(Config{Fraction: 1, Thresholds: th},
		scripted(map[int]float64{5: 0.9, 3: 0.9}, map[int]float64{5: 0.8}, &calls))
	require.NoError(t, err)

	res, err := s.Run(context.Background(), descriptors(9), fakeSource{})
	require.NoError(t, err)
	assert.False(t, res.Keep)
	assert.Equal(t, ReasonHuman, res.Reason)
	assert.Equal(t, 2, res.Inferences)
}

func TestSchedulerErrorsAreNegative(t *testing.T) {
	det := detector.Func(func(ctx context.Context, buf detector.PixelBuffer) (detector.Detection, error) {
		if buf.Image.Pix[0] == 4 {
			<-ctx.Done()
			return detector.Detection{}, ctx.Err()
		}
		if buf.Image.Pix[0] == 5 {
			return detector.Detection{}, detector.ErrUnavailable
		}
		return detector.Detection{Animal: 1}, nil
	})
	s, err := NewScheduler(Config{Fraction: 1, Timeout: 20 * time.Millisecond, Thresholds: detector.Thresholds{Animal: 0.5}}, det)
	require.NoError(t, err)

	res, err := s.Run(context.Background(), descriptors(9), fakeSource{fail: map[int]bool{3: true}})
	require.NoError(t, err)
	assert.True(t, res.Keep)
	assert.Equal(t, 6, res.FirstPositive)
	assert.Equal(t, []int{4, 5, 3, 6}, res.Visited)
	assert.Equal(t, 3, res.Inferences) // frame 3 was unreadable
}

func TestSchedulerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	det := detector.Func(func(ctx context.Context, buf detector.PixelBuffer) (detector.Detection, error) {
		cancel()
		return detector.Detection{}, ctx.Err()
	})
	s, err := NewScheduler(Config{Fraction: 1, Thresholds: detector.Thresholds{Animal: 0.5}}, det)
	require.NoError(t, err)

	_, err = s.Run(ctx, descriptors(5), fakeSource{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSchedulerEmptyAndInvalid(t *testing.T) {
	_, err := NewScheduler(Config{Fraction: 1.5}, detector.Func(nil))
	assert.Error(t, err)

	s, err := NewScheduler(Config{Fraction: 1}, detector.Func(nil))
	require.NoError(t, err)
	res, err := s.Run(context.Background(), nil, fakeSource{})
	require.NoError(t, err)
	assert.Equal(t, ReasonEmpty, res.Reason)
	assert.Zero(t, res.Inferences)
}

func TestRawFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), eventfile.RawFileName)
	var data []byte
	for i := 0; i < 3; i++ {
		pix := make([]byte, 4*2)
		for j := range pix {
			pix[j] = byte(50 * (i + 1))
		}
		var err error
		data, err = eventfile.AppendRawRecord(data, eventfile.RawFrame{Width: 4, Height: 2, Data: pix}, eventfile.Gray8)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	frames, err := eventfile.IndexRawFile(path, eventfile.Gray8)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	src, err := OpenRawFile(path, eventfile.Gray8, image.Point{})
	require.NoError(t, err)
	defer src.Close()

	buf, err := src.Frame(context.Background(), frames[2])
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), buf.Image.Bounds())
	assert.Equal(t, uint8(150), buf.Image.RGBAAt(0, 0).R)
}
