// Package freqmachine implements the Frequency Machine: a per-pixel
// spectral-basis fit/evaluate across channels, with channel weights and
// beam normalization folded into the fit, per spec.md §4.3.
package freqmachine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrFitSingular is returned when the weighted design matrix cannot be
// inverted. Per spec.md §7 this is a recoverable condition: callers should
// treat the component as zero and log a warning rather than abort.
var ErrFitSingular = errors.New("freqmachine: weighted design matrix is singular")

// FitResult is the explicit success/failure result of Fit, replacing the
// exception-driven "fit failed -> polyval" fallback from the source (spec.md
// §9 design notes).
type FitResult struct {
	Coeffs []float64
	Ok     bool
	Err    error
}

// Machine fits and evaluates a polynomial spectral basis
// S(freq) = sum_k coeffs[k] * (freq/RefFreq)^k
// against per-channel sampled flux, in the convention used throughout WSCMS:
// reference frequency RefFreq, K basis functions (K defaults to 1 when only
// a single frequency band exists).
type Machine struct {
	freqs   []float64 // native per-channel frequencies, length C
	refFreq float64
	k       int

	lastJonesNorm []float64 // set by the most recent Fit call; used by Eval
}

// New constructs a Frequency Machine for the given native channel
// frequencies, reference frequency and basis function count. With a single
// channel frequency the basis function count is 1 regardless of k.
func New(freqs []float64, refFreq float64, k int) (*Machine, error) {
	if len(freqs) == 0 {
		return nil, fmt.Errorf("freqmachine: at least one channel frequency required")
	}
	if refFreq <= 0 {
		return nil, fmt.Errorf("freqmachine: reference frequency must be positive, got %v", refFreq)
	}
	if k <= 0 {
		return nil, fmt.Errorf("freqmachine: basis function count must be positive, got %d", k)
	}
	if len(freqs) == 1 {
		k = 1
	}
	return &Machine{
		freqs:   append([]float64(nil), freqs...),
		refFreq: refFreq,
		k:       k,
	}, nil
}

// NChan returns the number of native channels.
func (m *Machine) NChan() int { return len(m.freqs) }

// K returns the number of basis functions.
func (m *Machine) K() int { return m.k }

func (m *Machine) designRow(freq float64, jones float64, row []float64) {
	ratio := freq / m.refFreq
	pow := 1.0
	for j := 0; j < m.k; j++ {
		row[j] = jones * pow
		pow *= ratio
	}
}

// roundToFloat32 emulates "single precision for outputs" while keeping the
// ergonomic float64 slices used throughout the rest of the engine:
// accumulation happens in float64, and only the final coefficient is rounded
// to float32 precision.
func roundToFloat32(x float64) float64 {
	return float64(float32(x))
}

// Fit performs a weighted least-squares fit of samples (apparent,
// beam-multiplied flux per channel) against the polynomial basis, absorbing
// jonesNorm into the design matrix so the returned coefficients represent
// intrinsic flux. weights need not be pre-normalized. Accumulation happens
// in double precision; the returned coefficients are rounded to float32
// precision.
func (m *Machine) Fit(samples, jonesNorm, weights []float64) FitResult {
	c := len(samples)
	if len(jonesNorm) != c || len(weights) != c {
		return FitResult{Err: fmt.Errorf("freqmachine: samples/jonesNorm/weights length mismatch (%d/%d/%d)",
			len(samples), len(jonesNorm), len(weights))}
	}
	if c != len(m.freqs) {
		return FitResult{Err: fmt.Errorf("freqmachine: expected %d channels, got %d", len(m.freqs), c)}
	}

	m.lastJonesNorm = append(m.lastJonesNorm[:0], jonesNorm...)

	weightedDesign := mat.NewDense(c, m.k, nil)
	weightedTarget := mat.NewVecDense(c, nil)
	row := make([]float64, m.k)
	for i := 0; i < c; i++ {
		sw := math.Sqrt(math.Max(weights[i], 0))
		m.designRow(m.freqs[i], jonesNorm[i], row)
		for j := 0; j < m.k; j++ {
			weightedDesign.Set(i, j, sw*row[j])
		}
		weightedTarget.SetVec(i, sw*samples[i])
	}

	var coeffsVec mat.VecDense
	if err := coeffsVec.SolveVec(weightedDesign, weightedTarget); err != nil {
		return FitResult{Ok: false, Err: fmt.Errorf("%w: %v", ErrFitSingular, err)}
	}

	coeffs := make([]float64, m.k)
	for j := 0; j < m.k; j++ {
		coeffs[j] = roundToFloat32(coeffsVec.AtVec(j))
	}
	return FitResult{Coeffs: coeffs, Ok: true}
}

// Eval evaluates the fit on the native channel grid, re-applying the
// jonesNorm passed to the most recent Fit call, so its result is directly
// comparable to the apparent samples Fit was given.
func (m *Machine) Eval(coeffs []float64) []float64 {
	out := make([]float64, len(m.freqs))
	row := make([]float64, m.k)
	for i, freq := range m.freqs {
		jones := 1.0
		if i < len(m.lastJonesNorm) {
			jones = m.lastJonesNorm[i]
		}
		m.designRow(freq, jones, row)
		out[i] = dot(row, coeffs)
	}
	return out
}

// EvalOn evaluates the intrinsic (beam-free) fit on an arbitrary frequency
// grid, used when rebuilding the model image at degrid frequencies where no
// per-channel Jones normalization is available to this component.
func (m *Machine) EvalOn(coeffs []float64, freqs []float64) []float64 {
	out := make([]float64, len(freqs))
	row := make([]float64, m.k)
	for i, freq := range freqs {
		m.designRow(freq, 1.0, row)
		out[i] = dot(row, coeffs)
	}
	return out
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}
