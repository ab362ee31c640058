package fft

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wscms/wscms/internal/testutil"
)

func smallShape(batch, n int) Shape {
	return Shape{Batch: batch, Y: n, X: n}
}

func TestForwardInverseRoundTrip(t *testing.T) {
	m := NewManager(smallShape(1, 8), smallShape(1, 4), smallShape(1, 8), 2)

	buf := m.Buffer(ImageBuffer)
	for i := range buf {
		buf[i] = complex(float64(i%5)-2, 0)
	}
	original := append([]complex128(nil), buf...)

	require.NoError(t, m.Forward(ImageBuffer))
	require.NoError(t, m.Inverse(ImageBuffer))

	testutil.InDeltaComplexSlice(t, original, m.Buffer(ImageBuffer), 1e-9)
}

func TestForwardOfDeltaIsFlatSpectrum(t *testing.T) {
	m := NewManager(smallShape(1, 4), smallShape(1, 4), smallShape(1, 4), 1)

	buf := m.Buffer(ImageBuffer)
	buf[0] = 1 // delta at origin

	require.NoError(t, m.Forward(ImageBuffer))

	buf = m.Buffer(ImageBuffer)
	for i, v := range buf {
		assert.InDelta(t, 1.0, real(v), 1e-9, "index %d", i)
		assert.InDelta(t, 0.0, imag(v), 1e-9, "index %d", i)
	}
}

func TestBatchesAreIndependent(t *testing.T) {
	m := NewManager(smallShape(2, 4), smallShape(1, 4), smallShape(1, 4), 2)

	buf := m.Buffer(ImageBuffer)
	buf[0] = 1  // batch 0: delta
	buf[16] = 2 // batch 1 (offset 4*4): different delta amplitude

	require.NoError(t, m.Forward(ImageBuffer))
	buf = m.Buffer(ImageBuffer)

	for i := 0; i < 16; i++ {
		assert.InDelta(t, 1.0, real(buf[i]), 1e-9)
	}
	for i := 16; i < 32; i++ {
		assert.InDelta(t, 2.0, real(buf[i]), 1e-9)
	}
}

func TestShapeAccessors(t *testing.T) {
	m := NewManager(smallShape(3, 8), smallShape(5, 4), smallShape(7, 8), 1)
	assert.Equal(t, Shape{Batch: 3, Y: 8, X: 8}, m.Shape(ImageBuffer))
	assert.Equal(t, Shape{Batch: 5, Y: 4, X: 4}, m.Shape(PSFBuffer))
	assert.Equal(t, Shape{Batch: 7, Y: 8, X: 8}, m.Shape(ScaleBuffer))
}

func TestBufferKindString(t *testing.T) {
	assert.Equal(t, "image", ImageBuffer.String())
	assert.Equal(t, "psf", PSFBuffer.String())
	assert.Equal(t, "scale", ScaleBuffer.String())
}

func TestUnknownBufferKindErrors(t *testing.T) {
	m := NewManager(smallShape(1, 4), smallShape(1, 4), smallShape(1, 4), 1)
	err := m.Forward(BufferKind(99))
	assert.Error(t, err)
}

func TestSpectralMultiplyPreservesDeltaFlux(t *testing.T) {
	// Multiplying the spectrum of a delta by a factor that is 1 at the DC bin
	// leaves the DC coefficient unchanged, so after the inverse transform the
	// output still sums to 1. This exercises the forward/multiply/inverse
	// pattern the Scale Machine uses.
	n := 8
	m := NewManager(smallShape(1, n), smallShape(1, n), smallShape(1, n), 1)

	buf := m.Buffer(ImageBuffer)
	buf[0] = 1
	require.NoError(t, m.Forward(ImageBuffer))

	// Multiply by a real decay over the flat buffer index (1 at index 0, the DC bin).
	kernel := m.Buffer(ImageBuffer)
	for i := range kernel {
		decay := math.Exp(-0.01 * float64(i))
		kernel[i] *= complex(decay, 0)
	}
	require.NoError(t, m.Inverse(ImageBuffer))

	out := m.Buffer(ImageBuffer)
	sum := 0.0
	for _, v := range out {
		sum += real(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-6, "convolution should preserve total flux under a DC-normalized kernel approximation")
}
