package scalemachine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wscms/wscms/config"
	"github.com/wscms/wscms/psf"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Facets.NFacets = 1
	cfg.Facets.Padding = 1.5
	cfg.WSCMS.CacheDir = t.TempDir()
	cfg.WSCMS.CacheSize = 8
	cfg.Image.Cell = 1.0
	return cfg
}

func TestNewDerivesScalesFromBeam(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.MaxScale = 20

	server, err := psf.NewInMemoryServer(1, 33, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	sigmas := m.Sigmas()
	require.GreaterOrEqual(t, len(sigmas), 2)
	assert.Equal(t, 0.0, sigmas[0])
	assert.Greater(t, sigmas[1], 0.0)

	bias := m.Bias()
	assert.Equal(t, 1.0, bias[0])
	for i := 1; i < len(bias); i++ {
		assert.Greater(t, bias[i], 0.0)
	}
}

func TestNewUsesExplicitScales(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0, 2, 4}

	server, err := psf.NewInMemoryServer(1, 33, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 2, 4}, m.Sigmas())
	assert.Equal(t, 3, m.NScales())
}

func TestGiveGainCentralScaleIsPositive(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0, 2}

	server, err := psf.NewInMemoryServer(2, 33, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 2)
	require.NoError(t, err)

	gain, err := m.GiveGain(0, 0)
	require.NoError(t, err)
	assert.Greater(t, gain.Gain, 0.0)
	assert.Len(t, gain.ConvPSF, 2*9*9)
	assert.Len(t, gain.ConvPSFFreqPeaks, 2)
	assert.InDelta(t, 1.0, gain.ConvPSFFreqPeaks[0], 1e-9)
	// Both channels carry an identical synthetic PSF, so the convolved peak
	// ratio between them should be ~1.
	assert.InDelta(t, 1.0, gain.ConvPSFFreqPeaks[1], 1e-6)
}

func TestGiveGainCacheHitMatchesMiss(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0, 2}

	server, err := psf.NewInMemoryServer(1, 33, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	first, err := m.GiveGain(0, 1)
	require.NoError(t, err)
	second, err := m.GiveGain(0, 1)
	require.NoError(t, err)

	assert.InDelta(t, first.Gain, second.Gain, 1e-9)
	require.Len(t, second.ConvPSF, len(first.ConvPSF))
	for i := range first.ConvPSF {
		assert.InDelta(t, first.ConvPSF[i], second.ConvPSF[i], 1e-9)
	}
}

func TestConv2PSFMeanNormalizedToUnityAtCentralFacetScaleZero(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0, 2}

	server, err := psf.NewInMemoryServer(1, 33, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	gain, err := m.GiveGain(server.CentralFacetID(), 0)
	require.NoError(t, err)

	center := gain.Conv2PSFMean[(9/2)*9+9/2]
	assert.InDelta(t, 1.0, center, 1e-9)
}

func TestGiveGainRejectsOutOfRangeScale(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0}

	server, err := psf.NewInMemoryServer(1, 33, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	_, err = m.GiveGain(0, 5)
	assert.Error(t, err)
}

func TestDoScaleConvolveDeltaScaleOnlyReturnsNilDirty(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0}

	npix := 17
	server, err := psf.NewInMemoryServer(1, npix, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	dirty := make([]float64, npix*npix)
	dirty[8*npix+8] = 5.0

	res, err := m.DoScaleConvolve(dirty, dirty)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scale)
	assert.Equal(t, 8, res.X)
	assert.Equal(t, 8, res.Y)
	assert.InDelta(t, 5.0, res.Peak, 1e-9)
	assert.Nil(t, res.CurrentDirty)
}

func TestDoScaleConvolveNonDeltaScaleProducesConvolvedCube(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0, 3}
	cfg.WSCMS.MultiScaleBias = 0.5 // bias[1] = 0.5^-1 = 2: favor the broad scale heavily

	npix := 33
	server, err := psf.NewInMemoryServer(1, npix, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	// A broad, low-amplitude Gaussian-like bump should win the non-delta
	// scale once biased in its favor.
	dirty := make([]float64, npix*npix)
	cx, cy := npix/2, npix/2
	for y := 0; y < npix; y++ {
		for x := 0; x < npix; x++ {
			dx, dy := float64(x-cx), float64(y-cy)
			dirty[y*npix+x] = 0.3 * math.Exp(-(dx*dx+dy*dy)/(2*9*9))
		}
	}

	res, err := m.DoScaleConvolve(dirty, dirty)
	require.NoError(t, err)
	// Scale 0 scores 0.3; scale 1 peaks near 0.3*81/90 = 0.27, times bias 2.
	assert.Equal(t, 1, res.Scale)
	if res.Scale != 0 {
		require.NotNil(t, res.CurrentDirty)
		assert.Len(t, res.CurrentDirty, npix*npix)
	} else {
		assert.Nil(t, res.CurrentDirty)
	}
}

func TestDoScaleConvolveRejectsWrongSizedInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0}

	server, err := psf.NewInMemoryServer(1, 17, 9, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	_, err = m.DoScaleConvolve(make([]float64, 4), make([]float64, 4))
	assert.Error(t, err)
}

func TestScaleMaskExcludesPixelFromArgmax(t *testing.T) {
	cfg := testConfig(t)
	cfg.WSCMS.Scales = []float64{0}

	npix := 9
	server, err := psf.NewInMemoryServer(1, npix, 5, 1, 4.0, false)
	require.NoError(t, err)

	m, err := New(cfg, server, 1)
	require.NoError(t, err)

	dirty := make([]float64, npix*npix)
	dirty[4*npix+4] = 10 // global peak
	dirty[2*npix+2] = 3  // secondary peak

	mask := m.ScaleMask(0)
	mask[4*npix+4] = 1 // exclude the global peak

	res, err := m.DoScaleConvolve(dirty, dirty)
	require.NoError(t, err)
	assert.Equal(t, 2, res.X)
	assert.Equal(t, 2, res.Y)
}
