package modelmachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wscms/wscms/config"
	"github.com/wscms/wscms/freqmachine"
	"github.com/wscms/wscms/psf"
	"github.com/wscms/wscms/scalemachine"
)

func newTestMachine(t *testing.T, npix int) (*Machine, []float64) {
	cfg := config.Default()
	cfg.Facets.NFacets = 1
	cfg.Facets.Padding = 1.5
	cfg.WSCMS.CacheDir = t.TempDir()
	cfg.WSCMS.CacheSize = 8
	cfg.WSCMS.Scales = []float64{0}
	cfg.WSCMS.SubMinorPeakFact = 0.1
	cfg.WSCMS.NSubMinorIter = 10
	cfg.Deconv.Gain = 0.5
	cfg.Image.Cell = 1.0

	server, err := psf.NewInMemoryServer(1, npix, 5, 1, 3.0, false)
	require.NoError(t, err)

	sm, err := scalemachine.New(cfg, server, 1)
	require.NoError(t, err)

	fm, err := freqmachine.New([]float64{1.4e9}, 1.4e9, 1)
	require.NoError(t, err)

	mm := New(cfg, sm, fm, npix, 1, 1.4e9)

	dirty := make([]float64, npix*npix)
	dirty[(npix/2)*npix+npix/2] = 10.0
	return mm, dirty
}

func TestNSubMinorIterZeroIsIdempotent(t *testing.T) {
	cfg := config.Default()
	cfg.Facets.NFacets = 1
	cfg.WSCMS.CacheDir = t.TempDir()
	cfg.WSCMS.Scales = []float64{0}
	cfg.WSCMS.NSubMinorIter = 0

	server, err := psf.NewInMemoryServer(1, 17, 5, 1, 3.0, false)
	require.NoError(t, err)
	sm, err := scalemachine.New(cfg, server, 1)
	require.NoError(t, err)
	fm, err := freqmachine.New([]float64{1.4e9}, 1.4e9, 1)
	require.NoError(t, err)
	mm := New(cfg, sm, fm, 17, 1, 1.4e9)

	dirty := make([]float64, 17*17)
	dirty[100] = 5.0
	original := append([]float64(nil), dirty...)

	added, iters, err := mm.DoMinorLoop(dirty, 0, []float64{1}, []float64{1}, 5.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 0, iters)
	assert.Equal(t, original, dirty)
}

func TestDoMinorLoopFindsAndSubtractsPointSource(t *testing.T) {
	npix := 17
	mm, dirty := newTestMachine(t, npix)
	original := append([]float64(nil), dirty...)

	added, iters, err := mm.DoMinorLoop(dirty, 0, []float64{1}, []float64{1}, 10.0, 0.01)
	require.NoError(t, err)
	assert.Greater(t, added, 0)
	assert.Greater(t, iters, 0)
	assert.Equal(t, 1, mm.NumComps(0))

	center := (npix/2)*npix + npix/2
	assert.Less(t, dirty[center], original[center])
}

func TestSerializeDeserializeModelRoundTrip(t *testing.T) {
	npix := 17
	mm, dirty := newTestMachine(t, npix)
	_, _, err := mm.DoMinorLoop(dirty, 0, []float64{1}, []float64{1}, 10.0, 0.01)
	require.NoError(t, err)
	require.Equal(t, 1, mm.NumComps(0))

	data, err := mm.SerializeModel()
	require.NoError(t, err)

	fresh, _ := newTestMachine(t, npix)
	require.NoError(t, fresh.DeserializeModel(data))
	assert.Equal(t, mm.NumComps(0), fresh.NumComps(0))
	assert.Equal(t, mm.comps[0], fresh.comps[0])
}
