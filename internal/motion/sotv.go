package motion

import "math"

// SOTV sums the components of every vector whose squared magnitude exceeds
// t², and returns the sums together with the magnitude of the summed vector.
func SOTV(f *VectorFrame, t int) (sumX, sumY int, magnitude float64) {
	if f == nil {
		return 0, 0, 0
	}
	t2 := t * t
	for _, v := range f.Vectors {
		x, y := int(v.X), int(v.Y)
		if x*x+y*y > t2 {
			sumX += x
			sumY += y
		}
	}
	return sumX, sumY, math.Hypot(float64(sumX), float64(sumY))
}
