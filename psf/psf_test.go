package psf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInMemoryServerRejectsEvenFacetGrid(t *testing.T) {
	_, err := NewInMemoryServer(1, 64, 17, 2, 4.0, false)
	assert.Error(t, err)
}

func TestNewInMemoryServerRejectsEvenPSFSize(t *testing.T) {
	_, err := NewInMemoryServer(1, 64, 16, 3, 4.0, false)
	assert.Error(t, err)
}

func TestGivePSFPeaksAtCenter(t *testing.T) {
	s, err := NewInMemoryServer(2, 64, 17, 1, 4.0, false)
	require.NoError(t, err)

	cube, mean := s.GivePSF()
	half := 17 / 2
	assert.InDelta(t, 1.0, mean[half*17+half], 1e-9)
	for c := 0; c < 2; c++ {
		assert.InDelta(t, 1.0, cube[c*17*17+half*17+half], 1e-9)
	}
}

func TestSetLocationSelectsFacet(t *testing.T) {
	s, err := NewInMemoryServer(1, 90, 9, 3, 4.0, false)
	require.NoError(t, err)

	assert.Equal(t, 0, s.SetLocation(0, 0))
	assert.Equal(t, s.CentralFacetID(), s.SetLocation(45, 45))
	assert.Equal(t, 8, s.SetLocation(89, 89))
}

func TestSetFacetRejectsOutOfRange(t *testing.T) {
	s, err := NewInMemoryServer(1, 64, 9, 1, 4.0, false)
	require.NoError(t, err)
	assert.Error(t, s.SetFacet(5))
	assert.NoError(t, s.SetFacet(0))
}

func TestRobustWidensPSF(t *testing.T) {
	narrow, err := NewInMemoryServer(1, 64, 17, 1, 4.0, false)
	require.NoError(t, err)
	broad, err := NewInMemoryServer(1, 64, 17, 1, 4.0, true)
	require.NoError(t, err)

	_, meanNarrow := narrow.GivePSF()
	_, meanBroad := broad.GivePSF()

	half := 17 / 2
	// One pixel off-center, the broader (robust) PSF should retain more flux.
	assert.Greater(t, meanBroad[half*17+half+1], meanNarrow[half*17+half+1])
}
