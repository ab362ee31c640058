// Package scalemachine implements the Scale Machine: scale-set derivation,
// analytic Gaussian-in-Fourier-space kernels, per-scale/per-facet gain
// caching and the biased scale-convolve search, per spec.md §4.4.
package scalemachine

import (
	"fmt"
	"math"
	"math/cmplx"
	"path/filepath"
	"sync"

	"github.com/wscms/wscms/cache"
	"github.com/wscms/wscms/config"
	"github.com/wscms/wscms/fft"
	"github.com/wscms/wscms/internal/gridutil"
	"github.com/wscms/wscms/psf"
)

// Gain bundles the per-facet, per-scale quantities give_gain produces:
// the two convolved PSF cutouts needed by the sub-minor loop and the
// scalar gain used to scale component flux before subtraction.
type Gain struct {
	Gain             float64
	ConvPSF          []float64 // per-channel, once-convolved PSF cutout (NChan*NPSF*NPSF)
	Conv2PSFMean     []float64 // channel-mean, twice-convolved PSF cutout (NPSF*NPSF)
	ConvPSFFreqPeaks []float64 // per-channel ratio of convolved peak to the reference channel's, length NChan
}

// Machine derives the scale set and bias from the PSF Server's beam
// metadata (or an explicit config list), and answers DoScaleConvolve /
// GiveGain against the active facet.
type Machine struct {
	cfg       config.Config
	psfServer psf.Server
	nchan     int

	sigmas []float64 // per-scale Gaussian sigma in pixels; sigmas[0] == 0 (delta scale)
	bias   []float64 // per-scale multi-scale bias, bias[0] == 1

	npix, npixPadded, npad       int
	npixPSF, npixPaddedPSF, npadPSF int

	// psfFFT operates in PSF-cutout space: ImageBuffer (batch=1) for
	// single-plane probes (mean PSF, normalization constants), PSFBuffer
	// (batch=nchan) for the full per-channel PSF cube.
	psfFFT *fft.Manager
	// imageFFT operates in image space: ImageBuffer (batch=nchan) convolves
	// the full dirty cube with the winning scale's kernel; ScaleBuffer
	// (batch=nscales) batch-convolves the mean dirty with every scale kernel
	// at once, per spec.md §4.1's scale-sized buffer.
	imageFFT *fft.Manager

	gains    *cache.LRU // key -> packed {gain, convPSFFreqPeaks...}
	convCube *cache.LRU // key -> packed complex FT(P)/FT(Pmean) (per facet), real ConvPSF cube and once-convolved mean PSF (per facet+scale)
	conv2    *cache.LRU // key -> packed real Conv2PSFMean image (per facet+scale)

	scale0PSFMax map[int]float64 // per facet: unconvolved PSF mean peak, cached by give_gain at scale 0

	convPSFNormFactor float64 // N_conv: Conv2PSFmean's center value at the central facet, scale 0
	normFactorSet     bool

	// psfMu serializes every psfServer.SetFacet/GivePSF pair (plus the
	// derived cache misses that follow it), since DoMinorLoop is driven
	// concurrently across facets by the process pool and psfServer's
	// active-facet selection is itself mutable shared state.
	psfMu sync.Mutex

	doAbs bool // mirrors Deconv.AllowNegative: absolute-value argmax when searching scales

	globalMask      []byte          // len npix*npix, 0 = eligible; shared with the Model Machine
	scaleMasks      map[int][]byte  // per-scale mask, lazily allocated
	appendMaskOn    bool            // auto-masking one-shot engagement flag
}

// New builds a Scale Machine from cfg and the active PSF Server. nchan is
// the channel count (must match the PSF Server's and Frequency Machine's).
func New(cfg config.Config, psfServer psf.Server, nchan int) (*Machine, error) {
	if nchan <= 0 {
		return nil, fmt.Errorf("scalemachine: nchan must be positive, got %d", nchan)
	}
	_, _, npixY, npixX := psfServer.ImageShape()
	if npixY != npixX {
		return nil, fmt.Errorf("scalemachine: only square images are supported, got %dx%d", npixY, npixX)
	}
	npix := npixY
	npixPSF := psfServer.NPSF()

	npixPadded := gridutil.PaddedSize(npix, cfg.Facets.Padding)
	npixPaddedPSF := gridutil.PaddedSize(npixPSF, cfg.Facets.Padding)

	m := &Machine{
		cfg:             cfg,
		psfServer:       psfServer,
		nchan:           nchan,
		npix:            npix,
		npixPadded:      npixPadded,
		npad:            (npixPadded - npix) / 2,
		npixPSF:         npixPSF,
		npixPaddedPSF:   npixPaddedPSF,
		npadPSF:         (npixPaddedPSF - npixPSF) / 2,
		doAbs:           cfg.Deconv.AllowNegative,
		scale0PSFMax:    map[int]float64{},
		scaleMasks:      map[int]([]byte){},
		globalMask:      make([]byte, npix*npix),
	}

	if err := m.setScales(); err != nil {
		return nil, err
	}
	m.setBias()

	cacheSize := cfg.WSCMS.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return m, m.initCaches(cacheSize)
}

// initCaches wires the three LRU caches give_gain consumes, each backed by
// its own disk-backed Store directory, per spec.md §4.2's "each cache
// manager owns its own directory" convention.
func (m *Machine) initCaches(size int) error {
	gainDir, err := cache.NewStore(m.cacheSubdir("gains"))
	if err != nil {
		return err
	}
	convDir, err := cache.NewStore(m.cacheSubdir("convpsf"))
	if err != nil {
		return err
	}
	conv2Dir, err := cache.NewStore(m.cacheSubdir("conv2psf"))
	if err != nil {
		return err
	}

	if m.gains, err = cache.NewLRU(gainDir, size); err != nil {
		return err
	}
	if m.convCube, err = cache.NewLRU(convDir, size); err != nil {
		return err
	}
	if m.conv2, err = cache.NewLRU(conv2Dir, size); err != nil {
		return err
	}

	nthreads := m.cfg.Parallel.NCPU
	m.psfFFT = fft.NewManager(
		fft.Shape{Batch: 1, Y: m.npixPaddedPSF, X: m.npixPaddedPSF},
		fft.Shape{Batch: m.nchan, Y: m.npixPaddedPSF, X: m.npixPaddedPSF},
		fft.Shape{Batch: 1, Y: m.npixPaddedPSF, X: m.npixPaddedPSF},
		nthreads,
	)
	m.imageFFT = fft.NewManager(
		fft.Shape{Batch: m.nchan, Y: m.npixPadded, X: m.npixPadded},
		fft.Shape{Batch: 1, Y: 1, X: 1},
		fft.Shape{Batch: len(m.sigmas), Y: m.npixPadded, X: m.npixPadded},
		nthreads,
	)
	return nil
}

// cacheSubdir namespaces one of give_gain's three caches under the
// configured cache base directory (spec.md §4.2: each cache manager owns
// its own directory).
func (m *Machine) cacheSubdir(name string) string {
	return filepath.Join(m.cfg.WSCMS.CacheDir, name)
}

// setScales derives the scale set per spec.md §3/§4.4 and
// original_source/.../ClassScaleMachine.py:set_scales. Scale 0 is always the
// delta scale (sigma == 0). If WSCMS.Scales is explicit it is used directly
// (already validated to start with 0 by config.Validate); otherwise sigma_1
// is seeded from the PSF Server's average beam FWHM and doubled until the
// largest sigma reaches or exceeds MaxScale/1.5 (that last sigma is kept;
// at most 32 doublings).
func (m *Machine) setScales() error {
	if len(m.cfg.WSCMS.Scales) > 0 {
		m.sigmas = append([]float64(nil), m.cfg.WSCMS.Scales...)
		return nil
	}

	dico := m.psfServer.DicoVariablePSF()
	fwhmBeamAvgRad := (dico.EstimatesAvgPSF[0] + dico.EstimatesAvgPSF[1]) * math.Pi / 180
	cellRad := m.cfg.Image.Cell * math.Pi / 648000
	if cellRad <= 0 {
		return fmt.Errorf("scalemachine: Image.Cell must be positive to auto-derive scales")
	}
	fwhmAvgPix := (1 / math.Sqrt2) * fwhmBeamAvgRad / (2 * cellRad)

	sigma1 := fwhmAvgPix / (2 * math.Sqrt(2*math.Log(2)*2))
	sigmas := []float64{0, sigma1}
	maxScale := m.cfg.WSCMS.MaxScale
	for i := 0; i < 32 && sigmas[len(sigmas)-1] < maxScale/1.5; i++ {
		sigmas = append(sigmas, 2*sigmas[len(sigmas)-1])
	}
	m.sigmas = sigmas
	return nil
}

// setBias computes the multi-scale bias per set_bias: bias[0] == 1,
// bias[i] = MultiScaleBias^(-1-log2(sigma_i/sigma_1)) for i >= 1.
func (m *Machine) setBias() {
	bias := make([]float64, len(m.sigmas))
	bias[0] = 1
	if len(m.sigmas) > 1 && m.sigmas[1] > 0 {
		ref := m.sigmas[1]
		beta := m.cfg.WSCMS.MultiScaleBias
		for i := 1; i < len(m.sigmas); i++ {
			ratio := m.sigmas[i] / ref
			bias[i] = math.Pow(beta, -1-math.Log2(ratio))
		}
	}
	m.bias = bias
}

// NScales returns the number of scales in the scale set (including delta).
func (m *Machine) NScales() int { return len(m.sigmas) }

// Sigmas returns the per-scale Gaussian sigma in pixels.
func (m *Machine) Sigmas() []float64 { return append([]float64(nil), m.sigmas...) }

// Bias returns the per-scale multi-scale bias.
func (m *Machine) Bias() []float64 { return append([]float64(nil), m.bias...) }

// naturalFreq returns the signed fractional FFT frequency for bin k of an
// n-point transform (standard fftfreq layout: 0, 1/n, ..., -1/n).
func naturalFreq(k, n int) float64 {
	if k <= n/2 {
		return float64(k) / float64(n)
	}
	return float64(k-n) / float64(n)
}

// gaussianKernelFT fills dst (length ny*nx) with the analytic Fourier
// transform of a centered, circularly symmetric Gaussian of the given sigma
// (in pixels), optionally shifted by (x0, y0) pixels via phase modulation —
// the Go rendering of GaussianSymmetricFT.
func gaussianKernelFT(dst []complex128, ny, nx int, sigma, x0, y0 float64) {
	for ky := 0; ky < ny; ky++ {
		v := naturalFreq(ky, ny)
		for kx := 0; kx < nx; kx++ {
			u := naturalFreq(kx, nx)
			rhosq := u*u + v*v
			amp := math.Exp(-2 * math.Pi * math.Pi * rhosq * sigma * sigma)
			val := complex(amp, 0)
			if x0 != 0 || y0 != 0 {
				phase := -2 * math.Pi * (v*x0 + u*y0)
				val *= cmplx.Exp(complex(0, phase))
			}
			dst[ky*nx+kx] = val
		}
	}
}

func packComplex(c []complex128) []float64 {
	out := make([]float64, 2*len(c))
	for i, v := range c {
		out[2*i] = real(v)
		out[2*i+1] = imag(v)
	}
	return out
}

func unpackComplex(f []float64) []complex128 {
	out := make([]complex128, len(f)/2)
	for i := range out {
		out[i] = complex(f[2*i], f[2*i+1])
	}
	return out
}

// centralValue reads the DC-adjacent central pixel of an unpadded cutout of
// size n embedded in a padded (paddedN x paddedN) grid with pad margin npad.
func centralValue(padded []float64, paddedN, npad, n int) float64 {
	cy := npad + n/2
	cx := npad + n/2
	return padded[cy*paddedN+cx]
}

// cropCentered extracts the unpadded (n x n) cutout centered in a padded
// (paddedN x paddedN) grid with margin npad.
func cropCentered(padded []float64, paddedN, npad, n int) []float64 {
	out := make([]float64, n*n)
	for y := 0; y < n; y++ {
		srcRow := (y + npad) * paddedN
		copy(out[y*n:(y+1)*n], padded[srcRow+npad:srcRow+npad+n])
	}
	return out
}

func realPart(c []complex128) []float64 {
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)
	}
	return out
}

// GiveGain computes (or retrieves from cache) the per-facet, per-scale
// quantities the sub-minor loop needs: FT(P) and FT(Pmean) are cached per
// facet, ConvPSF/Conv2PSFMean are cached per (facet, scale), per
// original_source/.../ClassScaleMachine.py:give_gain.
func (m *Machine) GiveGain(facetID, scaleIdx int) (Gain, error) {
	if scaleIdx < 0 || scaleIdx >= len(m.sigmas) {
		return Gain{}, fmt.Errorf("scalemachine: scale index %d out of range [0,%d)", scaleIdx, len(m.sigmas))
	}

	gainKey := fmt.Sprintf("gain-f%d-s%d", facetID, scaleIdx)
	if arr, err := m.gains.Get(gainKey); err == nil {
		convKey := fmt.Sprintf("convpsf-f%d-s%d", facetID, scaleIdx)
		conv2Key := fmt.Sprintf("conv2psf-f%d-s%d", facetID, scaleIdx)
		convArr, convErr := m.convCube.Get(convKey)
		conv2Arr, conv2Err := m.conv2.Get(conv2Key)
		if convErr == nil && conv2Err == nil {
			return Gain{
				Gain:             arr.Data[0],
				ConvPSF:          convArr.Data,
				Conv2PSFMean:     cropCentered(conv2Arr.Data, m.npixPaddedPSF, m.npadPSF, m.npixPSF),
				ConvPSFFreqPeaks: arr.Data[1:],
			}, nil
		}
	} else if err != cache.ErrCacheMiss {
		return Gain{}, err
	}

	m.psfMu.Lock()
	defer m.psfMu.Unlock()

	if err := m.psfServer.SetFacet(facetID); err != nil {
		return Gain{}, fmt.Errorf("scalemachine: select facet %d: %w", facetID, err)
	}
	psfCube, psfMean := m.psfServer.GivePSF()

	ftCubeKey := fmt.Sprintf("ftpsf-f%d", facetID)
	ftMeanKey := fmt.Sprintf("ftpsfmean-f%d", facetID)

	ftCube, err := m.cachedForward(m.convCube, ftCubeKey, psfCube, m.nchan)
	if err != nil {
		return Gain{}, err
	}
	ftMean, err := m.cachedForward(m.convCube, ftMeanKey, psfMean, 1)
	if err != nil {
		return Gain{}, err
	}

	sigma := m.sigmas[scaleIdx]
	kernel := make([]complex128, m.npixPaddedPSF*m.npixPaddedPSF)
	gaussianKernelFT(kernel, m.npixPaddedPSF, m.npixPaddedPSF, sigma, 0, 0)

	convCubeKey := fmt.Sprintf("convpsf-f%d-s%d", facetID, scaleIdx)
	convCube, err := m.convPSFCube(convCubeKey, ftCube, kernel)
	if err != nil {
		return Gain{}, err
	}

	// ensureConvPSFNormFactor selects the central facet on psfServer to
	// derive N_conv; restore facetID as the active facet afterward since
	// callers of psfServer outside this lock assume GiveGain leaves it
	// pointed at the facet they asked for.
	if err := m.ensureConvPSFNormFactor(); err != nil {
		return Gain{}, err
	}
	if m.psfServer.CentralFacetID() != facetID {
		if err := m.psfServer.SetFacet(facetID); err != nil {
			return Gain{}, fmt.Errorf("scalemachine: reselect facet %d: %w", facetID, err)
		}
	}

	convMeanOnceKey := fmt.Sprintf("convpsfmean-f%d-s%d", facetID, scaleIdx)
	convMeanOnce, err := m.convPSFMeanOnce(convMeanOnceKey, ftMean, kernel)
	if err != nil {
		return Gain{}, err
	}
	convPSFMean := centralValue(convMeanOnce, m.npixPaddedPSF, m.npadPSF, m.npixPSF)

	conv2Key := fmt.Sprintf("conv2psf-f%d-s%d", facetID, scaleIdx)
	conv2Mean, err := m.conv2PSFMean(conv2Key, ftMean, kernel)
	if err != nil {
		return Gain{}, err
	}

	if _, ok := m.scale0PSFMax[facetID]; !ok {
		m.scale0PSFMax[facetID] = cropPeak(psfMean)
	}
	scale0Max := m.scale0PSFMax[facetID]

	gain := m.cfg.Deconv.Gain * scale0Max
	if convPSFMean != 0 {
		gain /= convPSFMean
	}

	peaks := make([]float64, m.nchan)
	refPeak := 0.0
	for c := 0; c < m.nchan; c++ {
		cutout := convCube[c*m.npixPSF*m.npixPSF : (c+1)*m.npixPSF*m.npixPSF]
		peak := cropPeak(cutout)
		if c == 0 {
			refPeak = peak
		}
		if refPeak != 0 {
			peaks[c] = peak / refPeak
		} else {
			peaks[c] = 0
		}
	}

	gainArr := append([]float64{gain}, peaks...)
	if err := m.gains.Put(gainKey, cache.Array{Shape: []int{len(gainArr)}, Data: gainArr}); err != nil {
		return Gain{}, err
	}

	return Gain{
		Gain:             gain,
		ConvPSF:          convCube,
		Conv2PSFMean:     cropCentered(conv2Mean, m.npixPaddedPSF, m.npadPSF, m.npixPSF),
		ConvPSFFreqPeaks: peaks,
	}, nil
}

// cropPeak returns the maximum value in img.
func cropPeak(img []float64) float64 {
	best := math.Inf(-1)
	for _, v := range img {
		if v > best {
			best = v
		}
	}
	return best
}

// cachedForward returns the forward FFT of a padded embedding of src
// (batch planes of npixPSF x npixPSF), reading from cache on a hit and
// writing through on a miss.
func (m *Machine) cachedForward(c *cache.LRU, key string, src []float64, batch int) ([]complex128, error) {
	if arr, err := c.Get(key); err == nil {
		return unpackComplex(arr.Data), nil
	} else if err != cache.ErrCacheMiss {
		return nil, err
	}

	planeSize := m.npixPSF * m.npixPSF
	paddedSize := m.npixPaddedPSF * m.npixPaddedPSF

	var buf []complex128
	if batch == 1 {
		buf = m.psfFFT.Buffer(fft.ImageBuffer)
	} else {
		buf = m.psfFFT.Buffer(fft.PSFBuffer)
	}
	for i := range buf {
		buf[i] = 0
	}
	for b := 0; b < batch; b++ {
		plane := src[b*planeSize : (b+1)*planeSize]
		for y := 0; y < m.npixPSF; y++ {
			dstRow := (b*m.npixPaddedPSF*m.npixPaddedPSF + (y+m.npadPSF)*m.npixPaddedPSF + m.npadPSF)
			for x := 0; x < m.npixPSF; x++ {
				buf[dstRow+x] = complex(plane[y*m.npixPSF+x], 0)
			}
		}
	}

	var ferr error
	if batch == 1 {
		ferr = m.psfFFT.Forward(fft.ImageBuffer)
	} else {
		ferr = m.psfFFT.Forward(fft.PSFBuffer)
	}
	if ferr != nil {
		return nil, ferr
	}

	out := append([]complex128(nil), buf[:batch*paddedSize]...)
	if err := c.Put(key, cache.Array{Shape: []int{batch, m.npixPaddedPSF, m.npixPaddedPSF}, Data: packComplex(out)}); err != nil {
		return nil, err
	}
	return out, nil
}

// convPSFCube multiplies the cached per-channel FT(P) cube by kernel and
// inverts, caching the resulting once-convolved PSF cutout cube.
func (m *Machine) convPSFCube(key string, ftCube []complex128, kernel []complex128) ([]float64, error) {
	if arr, err := m.convCube.Get(key); err == nil {
		return arr.Data, nil
	} else if err != cache.ErrCacheMiss {
		return nil, err
	}

	paddedSize := m.npixPaddedPSF * m.npixPaddedPSF
	buf := m.psfFFT.Buffer(fft.PSFBuffer)
	for c := 0; c < m.nchan; c++ {
		for i := 0; i < paddedSize; i++ {
			buf[c*paddedSize+i] = ftCube[c*paddedSize+i] * kernel[i]
		}
	}
	if err := m.psfFFT.Inverse(fft.PSFBuffer); err != nil {
		return nil, err
	}

	out := make([]float64, m.nchan*m.npixPSF*m.npixPSF)
	for c := 0; c < m.nchan; c++ {
		plane := buf[c*paddedSize : (c+1)*paddedSize]
		cut := cropCentered(realPart(plane), m.npixPaddedPSF, m.npadPSF, m.npixPSF)
		copy(out[c*m.npixPSF*m.npixPSF:(c+1)*m.npixPSF*m.npixPSF], cut)
	}

	if err := m.convCube.Put(key, cache.Array{Shape: []int{m.nchan, m.npixPSF, m.npixPSF}, Data: out}); err != nil {
		return nil, err
	}
	return out, nil
}

// convPSFMeanOnce multiplies the cached mean-PSF FT by kernel (a single
// convolution: PSF and kernel, give_gain's ConvPSFmean) and inverts, caching
// the padded once-convolved mean-PSF image — this is the gain denominator
// (original_source/.../ClassScaleMachine.py:give_gain), distinct from the
// twice-convolved Conv2PSFmean the active-set substep uses.
func (m *Machine) convPSFMeanOnce(key string, ftMean []complex128, kernel []complex128) ([]float64, error) {
	if arr, err := m.convCube.Get(key); err == nil {
		return arr.Data, nil
	} else if err != cache.ErrCacheMiss {
		return nil, err
	}

	paddedSize := m.npixPaddedPSF * m.npixPaddedPSF
	buf := m.psfFFT.Buffer(fft.ImageBuffer)
	for i := 0; i < paddedSize; i++ {
		buf[i] = ftMean[i] * kernel[i]
	}
	if err := m.psfFFT.Inverse(fft.ImageBuffer); err != nil {
		return nil, err
	}

	out := append([]float64(nil), realPart(buf[:paddedSize])...)
	if err := m.convCube.Put(key, cache.Array{Shape: []int{m.npixPaddedPSF, m.npixPaddedPSF}, Data: out}); err != nil {
		return nil, err
	}
	return out, nil
}

// conv2PSFMeanRaw multiplies ftMean by kernel squared (two successive
// convolutions: PSF and kernel) and inverts, returning the un-normalized,
// uncached twice-convolved mean-PSF image — used both by conv2PSFMean and by
// ensureConvPSFNormFactor to derive N_conv itself.
func (m *Machine) conv2PSFMeanRaw(ftMean []complex128, kernel []complex128) ([]float64, error) {
	paddedSize := m.npixPaddedPSF * m.npixPaddedPSF
	buf := m.psfFFT.Buffer(fft.ImageBuffer)
	for i := 0; i < paddedSize; i++ {
		buf[i] = ftMean[i] * kernel[i] * kernel[i]
	}
	if err := m.psfFFT.Inverse(fft.ImageBuffer); err != nil {
		return nil, err
	}
	return append([]float64(nil), realPart(buf[:paddedSize])...), nil
}

// conv2PSFMean returns the twice-convolved mean-PSF image for key, already
// divided by N_conv (original_source/.../ClassScaleMachine.py:326-344's
// ConvPSFNormFactor) so its cached/returned center value is exactly 1.0 at
// the central facet, scale 0 — spec.md §3 invariant 2.
func (m *Machine) conv2PSFMean(key string, ftMean []complex128, kernel []complex128) ([]float64, error) {
	if arr, err := m.conv2.Get(key); err == nil {
		return arr.Data, nil
	} else if err != cache.ErrCacheMiss {
		return nil, err
	}

	out, err := m.conv2PSFMeanRaw(ftMean, kernel)
	if err != nil {
		return nil, err
	}
	if m.convPSFNormFactor != 0 {
		for i := range out {
			out[i] /= m.convPSFNormFactor
		}
	}

	if err := m.conv2.Put(key, cache.Array{Shape: []int{m.npixPaddedPSF, m.npixPaddedPSF}, Data: out}); err != nil {
		return nil, err
	}
	return out, nil
}

// ensureConvPSFNormFactor computes N_conv once per Machine lifetime: the
// twice-convolved mean-PSF center value at the PSF Server's central facet,
// scale 0, per original_source/.../ClassScaleMachine.py:326-327. Every
// conv2PSFMean result is divided by this constant. Callers must hold psfMu:
// it reselects the PSF Server's active facet.
func (m *Machine) ensureConvPSFNormFactor() error {
	if m.normFactorSet {
		return nil
	}

	central := m.psfServer.CentralFacetID()
	if err := m.psfServer.SetFacet(central); err != nil {
		return fmt.Errorf("scalemachine: select central facet %d for Conv2PSF normalization: %w", central, err)
	}
	_, psfMean := m.psfServer.GivePSF()

	ftMeanKey := fmt.Sprintf("ftpsfmean-f%d", central)
	ftMean, err := m.cachedForward(m.convCube, ftMeanKey, psfMean, 1)
	if err != nil {
		return err
	}

	kernel := make([]complex128, m.npixPaddedPSF*m.npixPaddedPSF)
	gaussianKernelFT(kernel, m.npixPaddedPSF, m.npixPaddedPSF, m.sigmas[0], 0, 0)

	raw, err := m.conv2PSFMeanRaw(ftMean, kernel)
	if err != nil {
		return err
	}

	m.convPSFNormFactor = centralValue(raw, m.npixPaddedPSF, m.npadPSF, m.npixPSF)
	m.normFactorSet = true
	return nil
}

// DoScaleConvolveResult is the outcome of a scale-convolve search: the
// winning pixel, its peak value in the winning scale's convolved image (the
// bias is used only to pick the scale, not applied to Peak), the scale that won, and
// the dirty cube re-convolved at that scale (nil if the delta scale won,
// since no re-convolution is needed for an unconvolved dirty image).
type DoScaleConvolveResult struct {
	X, Y         int
	Peak         float64
	Scale        int
	CurrentDirty []float64 // nchan * npix * npix, nil when Scale == 0
}

// DoScaleConvolve batch-convolves the channel-mean dirty image with every
// scale's kernel, finds the bias-weighted peak across all scales (ties
// broken toward the lowest scale index, per spec.md §4.4), and — if a
// non-delta scale won — re-convolves the full per-channel dirty cube at
// that scale so the sub-minor loop can build its active set from convolved
// channel data.
func (m *Machine) DoScaleConvolve(meanDirty []float64, dirtyCube []float64) (DoScaleConvolveResult, error) {
	if len(meanDirty) != m.npix*m.npix {
		return DoScaleConvolveResult{}, fmt.Errorf("scalemachine: meanDirty length %d != %d", len(meanDirty), m.npix*m.npix)
	}

	nscales := len(m.sigmas)
	paddedSize := m.npixPadded * m.npixPadded
	buf := m.imageFFT.Buffer(fft.ScaleBuffer)
	for i := range buf {
		buf[i] = 0
	}
	for s := 0; s < nscales; s++ {
		for y := 0; y < m.npix; y++ {
			dstRow := s*paddedSize + (y+m.npad)*m.npixPadded + m.npad
			for x := 0; x < m.npix; x++ {
				buf[dstRow+x] = complex(meanDirty[y*m.npix+x], 0)
			}
		}
	}
	if err := m.imageFFT.Forward(fft.ScaleBuffer); err != nil {
		return DoScaleConvolveResult{}, err
	}

	kernel := make([]complex128, paddedSize)
	for s := 0; s < nscales; s++ {
		gaussianKernelFT(kernel, m.npixPadded, m.npixPadded, m.sigmas[s], 0, 0)
		plane := buf[s*paddedSize : (s+1)*paddedSize]
		for i := range plane {
			plane[i] *= kernel[i]
		}
	}
	if err := m.imageFFT.Inverse(fft.ScaleBuffer); err != nil {
		return DoScaleConvolveResult{}, err
	}
	buf = m.imageFFT.Buffer(fft.ScaleBuffer)

	best := DoScaleConvolveResult{Scale: -1}
	bestScore := math.Inf(-1)
	for s := 0; s < nscales; s++ {
		plane := realPart(buf[s*paddedSize : (s+1)*paddedSize])
		cut := cropCentered(plane, m.npixPadded, m.npad, m.npix)
		mask := m.scaleMaskArray(s)
		res := gridutil.ArgMax2D(cut, m.npix, m.npix, m.doAbs, mask)
		if !res.Found {
			continue
		}
		score := m.bias[s] * math.Abs(res.Value)
		if score > bestScore {
			bestScore = score
			best = DoScaleConvolveResult{X: res.X, Y: res.Y, Peak: res.Value, Scale: s}
		}
	}
	if best.Scale < 0 {
		return DoScaleConvolveResult{}, fmt.Errorf("scalemachine: no unmasked pixels available for any scale")
	}

	if best.Scale == 0 {
		return best, nil
	}

	kernel = make([]complex128, paddedSize)
	gaussianKernelFT(kernel, m.npixPadded, m.npixPadded, m.sigmas[best.Scale], 0, 0)
	imgBuf := m.imageFFT.Buffer(fft.ImageBuffer)
	for i := range imgBuf {
		imgBuf[i] = 0
	}
	for c := 0; c < m.nchan; c++ {
		plane := dirtyCube[c*m.npix*m.npix : (c+1)*m.npix*m.npix]
		for y := 0; y < m.npix; y++ {
			dstRow := c*paddedSize + (y+m.npad)*m.npixPadded + m.npad
			for x := 0; x < m.npix; x++ {
				imgBuf[dstRow+x] = complex(plane[y*m.npix+x], 0)
			}
		}
	}
	if err := m.imageFFT.Forward(fft.ImageBuffer); err != nil {
		return DoScaleConvolveResult{}, err
	}
	for c := 0; c < m.nchan; c++ {
		plane := imgBuf[c*paddedSize : (c+1)*paddedSize]
		for i := range plane {
			plane[i] *= kernel[i]
		}
	}
	if err := m.imageFFT.Inverse(fft.ImageBuffer); err != nil {
		return DoScaleConvolveResult{}, err
	}
	imgBuf = m.imageFFT.Buffer(fft.ImageBuffer)

	out := make([]float64, m.nchan*m.npix*m.npix)
	for c := 0; c < m.nchan; c++ {
		plane := realPart(imgBuf[c*paddedSize : (c+1)*paddedSize])
		cut := cropCentered(plane, m.npixPadded, m.npad, m.npix)
		copy(out[c*m.npix*m.npix:(c+1)*m.npix*m.npix], cut)
	}
	best.CurrentDirty = out
	return best, nil
}

// GlobalMask returns the mutable global mask (0 = eligible), shared with
// the Model Machine: writes through this slice are visible to subsequent
// DoScaleConvolve calls.
func (m *Machine) GlobalMask() []byte { return m.globalMask }

// scaleMaskArray lazily allocates the per-scale mask (default: all
// eligible), mirroring the original's lazily-populated ScaleMaskArray.
func (m *Machine) scaleMaskArray(scale int) []byte {
	mask, ok := m.scaleMasks[scale]
	if !ok {
		mask = make([]byte, m.npix*m.npix)
		m.scaleMasks[scale] = mask
	}
	combined := make([]byte, len(mask))
	for i := range combined {
		if mask[i] != 0 || m.globalMask[i] != 0 {
			combined[i] = 1
		}
	}
	return combined
}

// ScaleMask returns the mutable per-scale mask for direct mutation by the
// Model Machine's auto-masking logic.
func (m *Machine) ScaleMask(scale int) []byte {
	mask, ok := m.scaleMasks[scale]
	if !ok {
		mask = make([]byte, m.npix*m.npix)
		m.scaleMasks[scale] = mask
	}
	return mask
}

// AppendMaskComponents reports whether auto-masking has engaged: it starts
// false and the Model Machine sets it true at the one-shot engagement, after
// which the global mask is no longer rewritten.
func (m *Machine) AppendMaskComponents() bool { return m.appendMaskOn }

// SetAppendMaskComponents sets the auto-masking engagement flag.
func (m *Machine) SetAppendMaskComponents(v bool) { m.appendMaskOn = v }
