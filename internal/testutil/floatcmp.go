// Package testutil provides small array-comparison test helpers shared
// across the deconvolution core's packages, grounded on the teacher's
// sim/internal/testutil golden-comparison helpers but generalized from
// scalar simulation metrics to the dense float64/complex128 arrays this
// domain deals in.
package testutil

import (
	"testing"
)

// InDeltaSlice asserts that want and got have equal length and that every
// element differs by no more than tol, reporting the first offending index.
func InDeltaSlice(t *testing.T, want, got []float64, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("length mismatch: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		diff := want[i] - got[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > tol {
			t.Errorf("index %d: want %v, got %v (diff %v > tol %v)", i, want[i], got[i], diff, tol)
		}
	}
}

// InDeltaComplexSlice asserts that want and got have equal length and that
// every element's real and imaginary parts differ by no more than tol.
func InDeltaComplexSlice(t *testing.T, want, got []complex128, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("length mismatch: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		dr := real(want[i]) - real(got[i])
		di := imag(want[i]) - imag(got[i])
		if dr < 0 {
			dr = -dr
		}
		if di < 0 {
			di = -di
		}
		if dr > tol || di > tol {
			t.Errorf("index %d: want %v, got %v (tol %v)", i, want[i], got[i], tol)
		}
	}
}
