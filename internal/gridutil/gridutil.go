// Package gridutil provides small numeric helpers shared by the cache, FFT,
// scale machine and model machine packages: padding arithmetic, edge-clipped
// window computation and masked argmax search.
package gridutil

import "math"

// NextOdd rounds n up to the next odd integer, leaving odd n unchanged.
func NextOdd(n int) int {
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// PaddedSize returns the padded dimension for an image of size n given a
// padding factor, rounded up to an odd integer so the padded grid has a
// well-defined center pixel.
func PaddedSize(n int, factor float64) int {
	padded := int(math.Ceil(factor * float64(n)))
	return NextOdd(padded)
}

// Window describes a clipped rectangular region: [Lo, Hi) in both axes.
type Window struct {
	X0, X1 int
	Y0, Y1 int
}

// Empty reports whether the window contains no pixels.
func (w Window) Empty() bool {
	return w.X1 <= w.X0 || w.Y1 <= w.Y0
}

// GiveEdges computes the clipped source and destination windows for pasting
// (or subtracting) a kernel of size (extent x extent), centered on (cx, cy)
// in a destination image of size (dimX x dimY), against a source kernel
// buffer of the same extent centered on its own midpoint. It is the Go
// rendering of DDFacet's GiveEdges: when the kernel extends past the image
// boundary, both windows are clipped symmetrically so the corresponding
// subtraction is equivalent to the full-support operation with zero outside
// the image.
func GiveEdges(cx, cy, dimX, dimY, extent int) (dst, src Window) {
	half := extent / 2

	dx0 := cx - half
	dx1 := cx + half + 1
	dy0 := cy - half
	dy1 := cy + half + 1

	sx0 := 0
	sy0 := 0
	sx1 := extent
	sy1 := extent

	if dx0 < 0 {
		sx0 -= dx0
		dx0 = 0
	}
	if dy0 < 0 {
		sy0 -= dy0
		dy0 = 0
	}
	if dx1 > dimX {
		sx1 -= dx1 - dimX
		dx1 = dimX
	}
	if dy1 > dimY {
		sy1 -= dy1 - dimY
		dy1 = dimY
	}

	return Window{X0: dx0, X1: dx1, Y0: dy0, Y1: dy1}, Window{X0: sx0, X1: sx1, Y0: sy0, Y1: sy1}
}

// ArgMaxResult carries the winning pixel and value from a masked argmax search.
type ArgMaxResult struct {
	X, Y  int
	Value float64
	Found bool
}

// ArgMax2D scans a row-major (ny x nx) image and returns the pixel with the
// largest value (or largest absolute value, when doAbs is true), skipping
// pixels where mask is non-nil and mask[y*nx+x] != 0. Ties are broken by
// lowest row index, then lowest column index.
func ArgMax2D(img []float64, nx, ny int, doAbs bool, mask []byte) ArgMaxResult {
	res := ArgMaxResult{}
	best := math.Inf(-1)
	for y := 0; y < ny; y++ {
		row := y * nx
		for x := 0; x < nx; x++ {
			if mask != nil && mask[row+x] != 0 {
				continue
			}
			v := img[row+x]
			score := v
			if doAbs {
				score = math.Abs(v)
			}
			if score > best {
				best = score
				res = ArgMaxResult{X: x, Y: y, Value: v, Found: true}
			}
		}
	}
	return res
}
