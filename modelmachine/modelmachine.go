// Package modelmachine implements the Model Machine: the sub-minor loop
// that drives one major-cycle iteration of scale-aware CLEAN, the model
// dictionary it accumulates into, and the model file serialization format,
// per spec.md §4.5/§6.
package modelmachine

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/wscms/wscms/config"
	"github.com/wscms/wscms/freqmachine"
	"github.com/wscms/wscms/internal/gridutil"
	"github.com/wscms/wscms/scalemachine"
)

// Pixel is an image-plane coordinate, used as a model dictionary key.
type Pixel struct {
	X, Y int
}

// Component is a single deconvolved source: its accumulated spectral
// coefficients at the pixel where it was found.
type Component struct {
	Coeffs []float32
}

// ScaleInfo records the Gaussian sigma and subtraction-window extent used
// for one scale, persisted alongside the model dictionary so a model file
// is self-describing.
type ScaleInfo struct {
	Sigma  float64
	Extent int
}

// Machine owns the per-scale component dictionaries and drives the
// sub-minor loop against a Scale Machine and Frequency Machine.
type Machine struct {
	cfg   config.Config
	scale *scalemachine.Machine
	freq  *freqmachine.Machine

	npix  int
	nchan int

	refFreq    float64
	modelShape [4]int // channels, polarizations, Y, X

	comps     map[int]map[Pixel]*Component
	numComps  map[int]int
	scaleInfo map[int]ScaleInfo

	log *logrus.Entry
}

// New builds a Model Machine. npix is the (unpadded) image size, nchan the
// channel count, refFreq the Frequency Machine's reference frequency.
func New(cfg config.Config, scale *scalemachine.Machine, freq *freqmachine.Machine, npix, nchan int, refFreq float64) *Machine {
	m := &Machine{
		cfg:        cfg,
		scale:      scale,
		freq:       freq,
		npix:       npix,
		nchan:      nchan,
		refFreq:    refFreq,
		modelShape: [4]int{nchan, 1, npix, npix},
		comps:      map[int]map[Pixel]*Component{},
		numComps:   map[int]int{},
		scaleInfo:  map[int]ScaleInfo{},
		log:        logrus.WithField("component", "modelmachine"),
	}
	sigmas := scale.Sigmas()
	for i, sigma := range sigmas {
		extent := 1
		if sigma > 0 {
			extent = gridutil.NextOdd(int(math.Ceil(6 * sigma)))
		}
		m.scaleInfo[i] = ScaleInfo{Sigma: sigma, Extent: extent}
	}
	return m
}

// arena is the sparse active-set representation spec.md §9 calls for:
// parallel index/amplitude slices instead of a dense per-pixel mask.
type arena struct {
	ip, iq []int
	a      []float64
	idx    map[Pixel]int
}

func buildArena(meanCurrent []float64, npix int, threshold float64, doAbs bool, mask []byte) *arena {
	ar := &arena{idx: map[Pixel]int{}}
	for y := 0; y < npix; y++ {
		row := y * npix
		for x := 0; x < npix; x++ {
			if mask != nil && mask[row+x] != 0 {
				continue
			}
			v := meanCurrent[row+x]
			score := v
			if doAbs {
				score = math.Abs(v)
			}
			if score <= threshold {
				continue
			}
			ar.idx[Pixel{X: x, Y: y}] = len(ar.ip)
			ar.ip = append(ar.ip, x)
			ar.iq = append(ar.iq, y)
			ar.a = append(ar.a, v)
		}
	}
	return ar
}

// argmax scans the arena in insertion order (row-major, so ties naturally
// resolve to the lowest row then lowest column — spec.md §9) and returns
// the winning arena index, or -1 if the arena is empty or nothing clears
// the threshold.
func (ar *arena) argmax(doAbs bool, threshold float64) int {
	best := math.Inf(-1)
	bestIdx := -1
	for i, v := range ar.a {
		score := v
		if doAbs {
			score = math.Abs(v)
		}
		if score > threshold && score > best {
			best = score
			bestIdx = i
		}
	}
	return bestIdx
}

// disable removes an arena entry from future consideration without
// reshuffling indices, so the idx map stays valid. NaN is used (rather than
// -Inf) so the sentinel also loses under an abs-value comparison.
func (ar *arena) disable(i int) {
	ar.a[i] = math.NaN()
}

// meanAcrossChannels computes the channel-mean dirty image, one
// gonum/stat.Mean call per pixel over a reused per-pixel scratch buffer so
// no per-pixel allocation is needed.
func meanAcrossChannels(cube []float64, nchan, planeSize int) []float64 {
	out := make([]float64, planeSize)
	scratch := make([]float64, nchan)
	for i := 0; i < planeSize; i++ {
		for c := 0; c < nchan; c++ {
			scratch[c] = cube[c*planeSize+i]
		}
		out[i] = stat.Mean(scratch, nil)
	}
	return out
}

// DoMinorLoop runs one scale-convolve plus sub-minor loop against dirtyCube
// (nchan*npix*npix, mutated in place as components are subtracted), for the
// given facet. jonesNorm and channelWeights are the per-channel beam-Jones
// normalization and fit weights the Frequency Machine folds into every fit
// (spec.md §4.3/§4.5); maxDirty is the unconvolved peak used to key
// auto-masking's one-shot engagement (spec.md §4.5 step 4). It returns the
// number of components accumulated and the number of sub-minor iterations
// actually run. NSubMinorIter <= 0 is a documented no-op: it returns (0, 0)
// without calling the Scale Machine or mutating dirtyCube at all (spec.md
// §8's idempotence property).
func (m *Machine) DoMinorLoop(dirtyCube []float64, facetID int, jonesNorm, channelWeights []float64, maxDirty, rms float64) (int, int, error) {
	if m.cfg.WSCMS.NSubMinorIter <= 0 {
		return 0, 0, nil
	}
	planeSize := m.npix * m.npix
	if len(dirtyCube) != m.nchan*planeSize {
		return 0, 0, fmt.Errorf("modelmachine: dirtyCube length %d != %d", len(dirtyCube), m.nchan*planeSize)
	}

	meanDirty := meanAcrossChannels(dirtyCube, m.nchan, planeSize)

	scRes, err := m.scale.DoScaleConvolve(meanDirty, dirtyCube)
	if err != nil {
		return 0, 0, fmt.Errorf("modelmachine: scale convolve: %w", err)
	}

	currentDirty := scRes.CurrentDirty
	if currentDirty == nil {
		currentDirty = dirtyCube
	}

	gain, err := m.scale.GiveGain(facetID, scRes.Scale)
	if err != nil {
		return 0, 0, fmt.Errorf("modelmachine: give gain: %w", err)
	}

	absConvMaxDirty := math.Abs(scRes.Peak)
	threshold := m.cfg.WSCMS.SubMinorPeakFact * absConvMaxDirty

	m.applyAutoMask(maxDirty, rms, scRes.Scale)

	meanCurrent := meanAcrossChannels(currentDirty, m.nchan, planeSize)
	mask := m.combinedMask(scRes.Scale)
	ar := buildArena(meanCurrent, m.npix, threshold, m.cfg.Deconv.AllowNegative, mask)

	npixPSF := 0
	if m.nchan > 0 && len(gain.ConvPSF) > 0 {
		npixPSF = int(math.Round(math.Sqrt(float64(len(gain.ConvPSF) / m.nchan))))
	}

	added := 0
	k := 0
	for ; k < m.cfg.WSCMS.NSubMinorIter; k++ {
		i := ar.argmax(m.cfg.Deconv.AllowNegative, threshold)
		if i < 0 {
			break
		}
		x, y := ar.ip[i], ar.iq[i]

		peakAmount := ar.a[i]

		samples := make([]float64, m.nchan)
		for c := 0; c < m.nchan; c++ {
			samples[c] = dirtyCube[c*planeSize+y*m.npix+x]
		}

		fit := m.freq.Fit(samples, jonesNorm, channelWeights)
		if !fit.Ok {
			m.log.WithError(fit.Err).Warnf("skipping singular fit at (%d,%d), treating component as zero", x, y)
			ar.disable(i)
			continue
		}

		gainFactor := gain.Gain
		if fit.Coeffs[0] < 0 {
			gainFactor *= 0.25
		}

		isNew := m.addComponent(scRes.Scale, Pixel{X: x, Y: y}, fit.Coeffs, gainFactor)
		if isNew {
			added++
		}

		apparent := m.freq.Eval(fit.Coeffs)
		if npixPSF > 0 {
			dst, src := gridutil.GiveEdges(x, y, m.npix, m.npix, npixPSF)
			m.subtractFootprint(dirtyCube, currentDirty, dst, src, npixPSF, apparent, gainFactor, gain.ConvPSF)
			m.substep(ar, dst, src, npixPSF, peakAmount*gainFactor, gain.Conv2PSFMean)
		} else {
			ar.disable(i)
		}
	}

	return added, k, nil
}

// subtractFootprint removes gainFactor*apparent[c]*ConvPSF[c] (clipped to
// the dst/src window pair from GiveEdges) from both the full-resolution
// residual and the scale-convolved working buffer, per channel.
func (m *Machine) subtractFootprint(dirtyCube, currentDirty []float64, dst, src gridutil.Window, npixPSF int, apparent []float64, gainFactor float64, convPSF []float64) {
	if dst.Empty() {
		return
	}
	planeSize := m.npix * m.npix
	psfPlaneSize := npixPSF * npixPSF
	height := dst.Y1 - dst.Y0
	width := dst.X1 - dst.X0
	// When the delta scale wins, currentDirty is dirtyCube itself; subtract once.
	aliased := len(currentDirty) > 0 && len(dirtyCube) > 0 && &currentDirty[0] == &dirtyCube[0]

	for c := 0; c < m.nchan; c++ {
		amount := gainFactor * apparent[c]
		if amount == 0 {
			continue
		}
		psfPlane := convPSF[c*psfPlaneSize : (c+1)*psfPlaneSize]
		for row := 0; row < height; row++ {
			dstRow := (dst.Y0+row)*m.npix + dst.X0
			srcRow := (src.Y0+row)*npixPSF + src.X0
			for col := 0; col < width; col++ {
				contrib := amount * psfPlane[srcRow+col]
				dirtyCube[c*planeSize+dstRow+col] -= contrib
				if !aliased {
					currentDirty[c*planeSize+dstRow+col] -= contrib
				}
			}
		}
	}
}

// substep subtracts amount*conv2PSFMean from every arena entry whose pixel
// falls inside the dst/src window pair from GiveEdges, directly updating the
// active set's cached amplitude in place rather than re-meaning it from the
// working cube (spec.md §4.5 step 6g).
func (m *Machine) substep(ar *arena, dst, src gridutil.Window, npixPSF int, amount float64, conv2PSFMean []float64) {
	if dst.Empty() {
		return
	}
	height := dst.Y1 - dst.Y0
	width := dst.X1 - dst.X0
	for row := 0; row < height; row++ {
		dstY := dst.Y0 + row
		srcRow := (src.Y0+row)*npixPSF + src.X0
		for col := 0; col < width; col++ {
			dstX := dst.X0 + col
			i, ok := ar.idx[Pixel{X: dstX, Y: dstY}]
			if !ok || math.IsNaN(ar.a[i]) {
				continue
			}
			ar.a[i] -= amount * conv2PSFMean[srcRow+col]
		}
	}
}

// addComponent accumulates coeffs*gainFactor into the model dictionary at
// (scale, pixel), creating the entry and incrementing NumComps on first
// touch. Returns true if this is a new pixel for the scale.
func (m *Machine) addComponent(scale int, p Pixel, coeffs []float64, gainFactor float64) bool {
	byPixel, ok := m.comps[scale]
	if !ok {
		byPixel = map[Pixel]*Component{}
		m.comps[scale] = byPixel
	}
	scaled := make([]float32, len(coeffs))
	for i, c := range coeffs {
		scaled[i] = float32(c * gainFactor)
	}

	comp, exists := byPixel[p]
	if !exists {
		byPixel[p] = &Component{Coeffs: scaled}
		m.numComps[scale]++
		return true
	}
	for i := range comp.Coeffs {
		if i < len(scaled) {
			comp.Coeffs[i] += scaled[i]
		}
	}
	return false
}

// applyAutoMask engages the one-shot auto-masking freeze the first time the
// unconvolved dirty-image peak is at or below the mask threshold (spec.md §4.5
// step 4), intersecting the current footprint into the Scale Machine's
// shared global mask.
func (m *Machine) applyAutoMask(maxDirty, rms float64, scale int) {
	if !m.cfg.WSCMS.AutoMask || m.scale.AppendMaskComponents() {
		return
	}
	threshold := m.cfg.WSCMS.AutoMaskRMSFactor * rms
	if m.cfg.WSCMS.AutoMaskThreshold != nil {
		threshold = *m.cfg.WSCMS.AutoMaskThreshold
	}
	if maxDirty > threshold {
		return
	}

	footprint := make(map[int]bool)
	for _, byPixel := range m.comps {
		for p := range byPixel {
			footprint[p.Y*m.npix+p.X] = true
		}
	}
	global := m.scale.GlobalMask()
	for i := range global {
		if footprint[i] {
			global[i] = 0
		} else {
			global[i] = 1
		}
	}
	m.scale.SetAppendMaskComponents(true)
	m.log.Infof("auto-mask engaged at scale %d: peak %.6g at or below threshold %.6g", scale, maxDirty, threshold)
}

// combinedMask returns the mask active for the sub-minor loop's active-set
// search: the shared global mask (once auto-masking has engaged) plus the
// given scale's own mask.
func (m *Machine) combinedMask(scale int) []byte {
	global := m.scale.GlobalMask()
	local := m.scale.ScaleMask(scale)
	out := make([]byte, len(global))
	for i := range out {
		if global[i] != 0 || local[i] != 0 {
			out[i] = 1
		}
	}
	return out
}

// NumComps returns the number of accumulated components at scale.
func (m *Machine) NumComps(scale int) int { return m.numComps[scale] }

// componentEntry is the JSON shape of a single model-dictionary entry.
type componentEntry struct {
	SolsArray []float32 `json:"SolsArray"`
}

// scaleComponents is the JSON shape of one scale's entry under "Comp":
// its component count and its per-pixel entries keyed "x,y".
type scaleComponents struct {
	NumComps int                        `json:"NumComps"`
	Comps    map[string]componentEntry `json:"Comps"`
}

// scaleInfoEntry is the JSON shape of one scale's entry under "Scale_Info".
type scaleInfoEntry struct {
	Sigma  float64 `json:"Sigma"`
	Extent int     `json:"Extent"`
}

// modelFile is the on-disk model schema from spec.md §6.
type modelFile struct {
	Type       string                     `json:"Type"`
	RefFreq    float64                    `json:"RefFreq"`
	ModelShape [4]int                     `json:"ModelShape"`
	ScaleInfo  map[string]scaleInfoEntry  `json:"Scale_Info"`
	Comp       map[string]scaleComponents `json:"Comp"`
}

// SerializeModel marshals the accumulated model dictionary to the
// documented JSON schema.
func (m *Machine) SerializeModel() ([]byte, error) {
	mf := modelFile{
		Type:       "WSCMS",
		RefFreq:    m.refFreq,
		ModelShape: m.modelShape,
		ScaleInfo:  map[string]scaleInfoEntry{},
		Comp:       map[string]scaleComponents{},
	}
	for scale, info := range m.scaleInfo {
		key := fmt.Sprintf("%d", scale)
		mf.ScaleInfo[key] = scaleInfoEntry{Sigma: info.Sigma, Extent: info.Extent}
	}
	for scale, byPixel := range m.comps {
		key := fmt.Sprintf("%d", scale)
		sc := scaleComponents{NumComps: m.numComps[scale], Comps: map[string]componentEntry{}}
		for p, c := range byPixel {
			sc.Comps[fmt.Sprintf("%d,%d", p.X, p.Y)] = componentEntry{SolsArray: c.Coeffs}
		}
		mf.Comp[key] = sc
	}
	return json.MarshalIndent(mf, "", "  ")
}

// DeserializeModel loads a model dictionary from the documented JSON
// schema into a fresh Machine's component maps, replacing any existing
// components.
func (m *Machine) DeserializeModel(data []byte) error {
	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("modelmachine: decode model file: %w", err)
	}
	m.refFreq = mf.RefFreq
	m.modelShape = mf.ModelShape
	m.comps = map[int]map[Pixel]*Component{}
	m.numComps = map[int]int{}

	for key, sc := range mf.Comp {
		var scale int
		if _, err := fmt.Sscanf(key, "%d", &scale); err != nil {
			return fmt.Errorf("modelmachine: bad scale key %q: %w", key, err)
		}
		byPixel := map[Pixel]*Component{}
		for pk, entry := range sc.Comps {
			var x, y int
			if _, err := fmt.Sscanf(pk, "%d,%d", &x, &y); err != nil {
				return fmt.Errorf("modelmachine: bad pixel key %q: %w", pk, err)
			}
			byPixel[Pixel{X: x, Y: y}] = &Component{Coeffs: entry.SolsArray}
		}
		m.comps[scale] = byPixel
		m.numComps[scale] = sc.NumComps
	}
	return nil
}
