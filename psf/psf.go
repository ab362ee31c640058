// Package psf declares the PSF Server boundary the deconvolution core
// consumes (spec.md §6: setFacet/setLocation/GivePSF, ImageShape, NPSF,
// DicoVariablePSF) and provides an in-memory reference implementation used
// by tests and the CLI demo. A real deployment would back Server with
// measurement-set-derived PSFs; that provider is out of core scope.
package psf

import (
	"fmt"
	"math"
)

// DicoVariablePSF carries the per-run PSF metadata the Scale Machine reads
// out of the PSF Server, named to match spec.md §6 exactly.
type DicoVariablePSF struct {
	// EstimatesAvgPSF holds the average beam FWHM in degrees, (major, minor).
	EstimatesAvgPSF [2]float64
	// FWHMBeam holds the per-facet beam FWHM in degrees, (major, minor).
	FWHMBeam [][2]float64
	// PaddedPSFInfo holds the padded PSF dimension (odd, centered).
	PaddedPSFInfo [2]int
}

// Server is the narrow PSF-provider interface the core depends on.
// Implementations own the measurement-set/gridder machinery that produces
// PSF cubes; that machinery itself is out of scope here (spec.md §1).
type Server interface {
	// CentralFacetID returns the id of the grid's central facet, the
	// reference point give_gain normalizes every Conv2PSF against.
	CentralFacetID() int
	// SetFacet selects the active facet by id.
	SetFacet(id int) error
	// SetLocation returns the facet id containing pixel (x, y) and makes it
	// the active facet.
	SetLocation(x, y int) (facetID int)
	// GivePSF returns the active facet's per-channel PSF cube (length
	// NChan*NPSF*NPSF, row-major per channel) and its channel-mean PSF
	// (length NPSF*NPSF).
	GivePSF() (psfCube []float64, psfMean []float64)
	// ImageShape returns (channels, polarizations, Y, X) of the image.
	ImageShape() (c, p, y, x int)
	// NPSF returns the unpadded PSF cutout size (odd, centered).
	NPSF() int
	// DicoVariablePSF returns the beam/padding metadata for the active run.
	DicoVariablePSF() DicoVariablePSF
}

// InMemoryServer is a reference Server backed by synthetically generated
// Gaussian PSFs over a regular facet grid, used for tests and the `wscms
// run` CLI demo so the whole pipeline is exercisable without a real
// measurement set.
type InMemoryServer struct {
	nchan    int
	npix     int
	npixPSF  int
	nFacets  int // facets per side; total facets = nFacets*nFacets
	fwhmPix  float64
	robust   bool // true: broader/robust-like PSF (FWHM x1.4); false: the FWHM as given

	activeFacet int
	dico        DicoVariablePSF
}

// NewInMemoryServer builds a synthetic PSF server: npix is the unpadded
// image size, npixPSF the (odd) PSF cutout size, nFacetsPerSide the number
// of facets along each axis (so nFacetsPerSide^2 facets total, matching
// DDFacet's square facet grid convention), fwhmPix the PSF FWHM in pixels
// and nchan the channel count. robust toggles a broader synthetic PSF,
// loosely modeled on the uniform/robust weighting toggle from the (out of
// core scope) weighting-grid collaborator — it only changes the synthetic
// PSF shape here, no weighting grid is implemented.
func NewInMemoryServer(nchan, npix, npixPSF, nFacetsPerSide int, fwhmPix float64, robust bool) (*InMemoryServer, error) {
	if nFacetsPerSide%2 == 0 {
		return nil, fmt.Errorf("psf: nFacetsPerSide must be odd so a central facet exists, got %d", nFacetsPerSide)
	}
	if npixPSF%2 == 0 {
		return nil, fmt.Errorf("psf: npixPSF must be odd, got %d", npixPSF)
	}
	effFWHM := fwhmPix
	if robust {
		effFWHM *= 1.4
	}
	paddedPSF := npixPSF + npixPSF/2
	if paddedPSF%2 == 0 {
		paddedPSF++
	}
	s := &InMemoryServer{
		nchan:   nchan,
		npix:    npix,
		npixPSF: npixPSF,
		nFacets: nFacetsPerSide,
		fwhmPix: effFWHM,
		robust:  robust,
		dico: DicoVariablePSF{
			EstimatesAvgPSF: [2]float64{fwhmDegrees(effFWHM), fwhmDegrees(effFWHM)},
			PaddedPSFInfo:   [2]int{paddedPSF, paddedPSF},
		},
	}
	total := nFacetsPerSide * nFacetsPerSide
	s.dico.FWHMBeam = make([][2]float64, total)
	for i := range s.dico.FWHMBeam {
		s.dico.FWHMBeam[i] = [2]float64{fwhmDegrees(effFWHM), fwhmDegrees(effFWHM)}
	}
	return s, nil
}

// fwhmDegrees is a deliberately simplified pixel-to-degree conversion (1
// arcsec/pixel) used only to populate synthetic metadata.
func fwhmDegrees(fwhmPix float64) float64 {
	return fwhmPix * (1.0 / 3600.0)
}

// NFacets returns the total number of facets (nFacetsPerSide^2).
func (s *InMemoryServer) NFacets() int { return s.nFacets * s.nFacets }

// CentralFacetID returns the id of the facet at the center of the square
// grid, matching DDFacet's "assumes odd number of facets" convention.
func (s *InMemoryServer) CentralFacetID() int {
	return s.NFacets() / 2
}

func (s *InMemoryServer) SetFacet(id int) error {
	if id < 0 || id >= s.NFacets() {
		return fmt.Errorf("psf: facet id %d out of range [0,%d)", id, s.NFacets())
	}
	s.activeFacet = id
	return nil
}

func (s *InMemoryServer) SetLocation(x, y int) int {
	facetSize := s.npix / s.nFacets
	if facetSize == 0 {
		facetSize = 1
	}
	fx := x / facetSize
	fy := y / facetSize
	if fx >= s.nFacets {
		fx = s.nFacets - 1
	}
	if fy >= s.nFacets {
		fy = s.nFacets - 1
	}
	s.activeFacet = fy*s.nFacets + fx
	return s.activeFacet
}

// GivePSF synthesizes a centered, circularly symmetric Gaussian PSF cutout
// per channel (identical across channels in this reference implementation)
// plus its channel-mean, normalized to unit peak.
func (s *InMemoryServer) GivePSF() (psfCube []float64, psfMean []float64) {
	n := s.npixPSF
	sigma := s.fwhmPix / (2 * math.Sqrt(2*math.Log(2)))
	single := make([]float64, n*n)
	half := n / 2
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx := float64(x - half)
			dy := float64(y - half)
			single[y*n+x] = math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
		}
	}
	psfMean = single

	psfCube = make([]float64, s.nchan*n*n)
	for c := 0; c < s.nchan; c++ {
		copy(psfCube[c*n*n:(c+1)*n*n], single)
	}
	return psfCube, psfMean
}

func (s *InMemoryServer) ImageShape() (c, p, y, x int) {
	return s.nchan, 1, s.npix, s.npix
}

func (s *InMemoryServer) NPSF() int { return s.npixPSF }

func (s *InMemoryServer) DicoVariablePSF() DicoVariablePSF { return s.dico }
