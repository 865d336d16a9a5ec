package motion

import (
	"fmt"
	"math"
	"math/cmplx"
)

// IIRParams configures the Chebyshev type II low-pass used to smooth the
// per-frame SOTV magnitude.
type IIRParams struct {
	Order         int     // 0 disables smoothing
	AttenuationDB float64 // minimum stop-band attenuation
	CutoffHz      float64 // stop-band edge
	Framerate     float64 // sample rate
}

// IIRFilter is a causal direct-form II transposed filter with persistent
// state. It is not safe for concurrent use.
type IIRFilter struct {
	b, a  []float64
	state []float64
}

// NewIIRFilter designs the low-pass described by p.
func NewIIRFilter(p IIRParams) (*IIRFilter, error) {
	if p.Order == 0 {
		return &IIRFilter{b: []float64{1}, a: []float64{1}}, nil
	}
	b, a, err := Cheby2Lowpass(p.Order, p.AttenuationDB, p.CutoffHz, p.Framerate)
	if err != nil {
		return nil, err
	}
	return &IIRFilter{b: b, a: a, state: make([]float64, len(a)-1)}, nil
}

// Coefficients returns copies of the numerator and denominator.
func (f *IIRFilter) Coefficients() (b, a []float64) {
	return append([]float64(nil), f.b...), append([]float64(nil), f.a...)
}

// Filter feeds one sample through the filter and returns the output.
func (f *IIRFilter) Filter(x float64) float64 {
	if len(f.state) == 0 {
		return f.b[0] * x
	}
	y := f.b[0]*x + f.state[0]
	n := len(f.state)
	for i := 0; i < n-1; i++ {
		f.state[i] = f.b[i+1]*x - f.a[i+1]*y + f.state[i+1]
	}
	f.state[n-1] = f.b[n]*x - f.a[n]*y
	return y
}

// Reset clears the filter history.
func (f *IIRFilter) Reset() {
	for i := range f.state {
		f.state[i] = 0
	}
}

// Cheby2Lowpass designs a digital Chebyshev type II low-pass filter of the
// given order. The response first reaches -attenuationDB at cutoffHz. The
// returned polynomials are normalised so a[0] == 1.
func Cheby2Lowpass(order int, attenuationDB, cutoffHz, framerate float64) (b, a []float64, err error) {
	if order < 1 {
		return nil, nil, fmt.Errorf("filter order must be positive, got %d", order)
	}
	if attenuationDB <= 0 {
		return nil, nil, fmt.Errorf("stop-band attenuation must be positive, got %g", attenuationDB)
	}
	if framerate <= 0 {
		return nil, nil, fmt.Errorf("framerate must be positive, got %g", framerate)
	}
	wn := cutoffHz / (framerate / 2)
	if wn <= 0 || wn >= 1 {
		return nil, nil, fmt.Errorf("cutoff %g Hz must lie strictly between 0 and Nyquist (%g Hz)", cutoffHz, framerate/2)
	}

	z, p, k := cheb2Prototype(order, attenuationDB)

	// Pre-warp for the bilinear transform at a sample rate of 2.
	const fs2 = 4.0
	warped := fs2 * math.Tan(math.Pi*wn/2)
	for i := range z {
		z[i] *= complex(warped, 0)
	}
	for i := range p {
		p[i] *= complex(warped, 0)
	}
	k *= math.Pow(warped, float64(len(p)-len(z)))

	zd := make([]complex128, 0, len(p))
	pd := make([]complex128, len(p))
	num, den := complex(1, 0), complex(1, 0)
	for _, zi := range z {
		zd = append(zd, (fs2+zi)/(fs2-zi))
		num *= fs2 - zi
	}
	for i, pi := range p {
		pd[i] = (fs2 + pi) / (fs2 - pi)
		den *= fs2 - pi
	}
	for len(zd) < len(pd) {
		zd = append(zd, -1)
	}
	kd := k * real(num/den)

	b = poly(zd)
	for i := range b {
		b[i] *= kd
	}
	return b, poly(pd), nil
}

// cheb2Prototype returns the zeros, poles and gain of the analog Chebyshev
// type II low-pass prototype with unit stop-band edge.
func cheb2Prototype(n int, rs float64) (z, p []complex128, k float64) {
	de := 1 / math.Sqrt(math.Pow(10, 0.1*rs)-1)
	mu := math.Asinh(1/de) / float64(n)

	for m := -n + 1; m < n; m += 2 {
		if m == 0 {
			// Odd orders have a zero at infinity.
			continue
		}
		s := math.Sin(float64(m) * math.Pi / (2 * float64(n)))
		z = append(z, -cmplx.Conj(complex(0, 1/s)))
	}

	for m := -n + 1; m < n; m += 2 {
		q := -cmplx.Exp(complex(0, math.Pi*float64(m)/(2*float64(n))))
		q = complex(math.Sinh(mu)*real(q), math.Cosh(mu)*imag(q))
		p = append(p, 1/q)
	}

	num, den := complex(1, 0), complex(1, 0)
	for _, pi := range p {
		num *= -pi
	}
	for _, zi := range z {
		den *= -zi
	}
	return z, p, real(num / den)
}

// poly expands prod(x - r) and returns the real parts of its coefficients,
// highest power first.
func poly(roots []complex128) []float64 {
	c := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(c)+1)
		for i, ci := range c {
			next[i] += ci
			next[i+1] -= ci * r
		}
		c = next
	}
	out := make([]float64, len(c))
	for i, ci := range c {
		out[i] = real(ci)
	}
	return out
}
