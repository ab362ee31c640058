// Package fft implements the FFT Manager: pre-planned, thread-parallel 2D
// forward/inverse transforms over fixed-shape batched buffers, per spec.md
// §4.1. Three batched pairs are owned: image-sized, PSF-sized and
// scale-sized. Transforms are in-place against a buffer returned by Buffer;
// callers write input, call Forward/Inverse, then read the same buffer.
package fft

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"
)

// BufferKind names one of the Manager's three batched transform pairs.
type BufferKind int

const (
	// ImageBuffer is the channel/scale batched, Y_pad x X_pad image-sized pair.
	ImageBuffer BufferKind = iota
	// PSFBuffer is the channel batched, Y_p_pad x X_p_pad PSF-sized pair.
	PSFBuffer
	// ScaleBuffer is the scale batched, Y_pad x X_pad pair used when
	// convolving the mean dirty with every scale kernel at once.
	ScaleBuffer
)

func (k BufferKind) String() string {
	switch k {
	case ImageBuffer:
		return "image"
	case PSFBuffer:
		return "psf"
	case ScaleBuffer:
		return "scale"
	default:
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
}

// Shape describes one batched buffer's dimensions: Batch copies of a
// Y x X 2D grid.
type Shape struct {
	Batch int
	Y     int
	X     int
}

type plane struct {
	shape  Shape
	data   []complex128
	rowFFT *fourier.CmplxFFT // size X, transforms each row
	colFFT *fourier.CmplxFFT // size Y, transforms each column
}

func newPlane(shape Shape) *plane {
	return &plane{
		shape:  shape,
		data:   make([]complex128, shape.Batch*shape.Y*shape.X),
		rowFFT: fourier.NewCmplxFFT(shape.X),
		colFFT: fourier.NewCmplxFFT(shape.Y),
	}
}

// Manager owns the three batched transform pairs and runs them across a
// bounded pool of goroutines sized by nthreads — the idiomatic-Go rendering
// of "thread-parallel" batched FFTs.
type Manager struct {
	nthreads int
	planes   map[BufferKind]*plane
}

// NewManager pre-plans the image-sized, PSF-sized and scale-sized batched
// transform pairs. nthreads bounds the concurrency used when transforming
// the batch dimension of any one buffer; nthreads <= 0 is treated as 1.
func NewManager(image, psf, scale Shape, nthreads int) *Manager {
	if nthreads <= 0 {
		nthreads = 1
	}
	return &Manager{
		nthreads: nthreads,
		planes: map[BufferKind]*plane{
			ImageBuffer: newPlane(image),
			PSFBuffer:   newPlane(psf),
			ScaleBuffer: newPlane(scale),
		},
	}
}

// Buffer returns the backing storage for kind, batch-major
// (index = b*Y*X + y*X + x). Callers write input here before calling
// Forward/Inverse and read output from the same slice afterwards — there is
// no aliasing contract beyond "the buffer and its transform view are the
// same storage".
func (m *Manager) Buffer(kind BufferKind) []complex128 {
	return m.planes[kind].data
}

// Shape returns the batch/Y/X dimensions planned for kind.
func (m *Manager) Shape(kind BufferKind) Shape {
	return m.planes[kind].shape
}

// Forward runs an in-place batched 2D forward transform (unnormalized) over
// kind's buffer.
func (m *Manager) Forward(kind BufferKind) error {
	return m.run(kind, transformForward)
}

// Inverse runs an in-place batched 2D inverse transform (normalized, exact
// inverse of Forward) over kind's buffer.
func (m *Manager) Inverse(kind BufferKind) error {
	return m.run(kind, transformInverse)
}

type transformDirection int

const (
	transformForward transformDirection = iota
	transformInverse
)

func (m *Manager) run(kind BufferKind, dir transformDirection) error {
	p, ok := m.planes[kind]
	if !ok {
		return fmt.Errorf("fft: unknown buffer kind %v", kind)
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(m.nthreads)

	planeSize := p.shape.Y * p.shape.X
	for b := 0; b < p.shape.Batch; b++ {
		b := b
		g.Go(func() error {
			plane2D := p.data[b*planeSize : (b+1)*planeSize]
			transform2D(plane2D, p.shape.Y, p.shape.X, p.rowFFT, p.colFFT, dir)
			return nil
		})
	}
	return g.Wait()
}

// transform2D runs a separable 2D DFT in place over a row-major (ny x nx)
// complex grid: every row transformed with rowFFT, then every column with
// colFFT (same axis order used for forward and inverse, since a separable
// transform's result does not depend on axis order).
func transform2D(grid []complex128, ny, nx int, rowFFT, colFFT *fourier.CmplxFFT, dir transformDirection) {
	row := make([]complex128, nx)
	rowOut := make([]complex128, nx)
	for y := 0; y < ny; y++ {
		copy(row, grid[y*nx:(y+1)*nx])
		switch dir {
		case transformForward:
			rowFFT.Coefficients(rowOut, row)
		case transformInverse:
			rowFFT.Sequence(rowOut, row)
		}
		copy(grid[y*nx:(y+1)*nx], rowOut)
	}

	col := make([]complex128, ny)
	colOut := make([]complex128, ny)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			col[y] = grid[y*nx+x]
		}
		switch dir {
		case transformForward:
			colFFT.Coefficients(colOut, col)
		case transformInverse:
			colFFT.Sequence(colOut, col)
		}
		for y := 0; y < ny; y++ {
			grid[y*nx+x] = colOut[y]
		}
	}

	// gonum's Sequence is unscaled; divide by the grid size so Inverse is the
	// exact inverse of Forward.
	if dir == transformInverse {
		scale := complex(1/float64(nx*ny), 0)
		for i := range grid {
			grid[i] *= scale
		}
	}
}
