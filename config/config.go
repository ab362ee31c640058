// Package config defines the typed configuration surface consumed by the
// deconvolution core: every option enumerated for the Scale Machine, Model
// Machine, Frequency Machine, facet layout and worker pool.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Affinity selects the CPU-pinning policy for compute workers.
type Affinity string

const (
	AffinityContiguous  Affinity = "contiguous"
	AffinityStride2     Affinity = "stride2"
	AffinityInterleave4 Affinity = "interleave4"
)

// Basis selects the spectral fit basis used by the Frequency Machine.
type Basis string

const (
	BasisPolynomial Basis = "polynomial"
)

// DeconvConfig groups the Deconv.* options.
type DeconvConfig struct {
	Gain           float64 `yaml:"gain"`
	AllowNegative  bool    `yaml:"allow_negative"`
}

// WSCMSConfig groups the WSCMS.* options.
type WSCMSConfig struct {
	SubMinorPeakFact   float64  `yaml:"sub_minor_peak_fact"`
	NSubMinorIter      int      `yaml:"n_sub_minor_iter"`
	MultiScaleBias     float64  `yaml:"multi_scale_bias"`
	Scales             []float64 `yaml:"scales"` // nil => auto-derive from beam FWHM
	MaxScale           float64  `yaml:"max_scale"`
	CacheSize          int      `yaml:"cache_size"`
	CacheDir           string   `yaml:"cache_dir"` // base directory for the PSF/gain caches
	AutoMask           bool     `yaml:"auto_mask"`
	AutoMaskThreshold  *float64 `yaml:"auto_mask_threshold"` // nil => use AutoMaskRMSFactor*RMS
	AutoMaskRMSFactor  float64  `yaml:"auto_mask_rms_factor"`
	NumFreqBasisFuncs  int      `yaml:"num_freq_basis_funcs"`
	Basis              Basis    `yaml:"basis"`
}

// FreqConfig groups the Freq.* options.
type FreqConfig struct {
	NBand int `yaml:"n_band"`
}

// FacetsConfig groups the Facets.* options.
type FacetsConfig struct {
	NFacets int     `yaml:"n_facets"`
	Padding float64 `yaml:"padding"`
}

// ImageConfig groups the Image.* options.
type ImageConfig struct {
	Cell float64 `yaml:"cell"` // arcsec/pixel
}

// ParallelConfig groups the Parallel.* options.
type ParallelConfig struct {
	NCPU     int      `yaml:"ncpu"`
	Affinity Affinity `yaml:"affinity"`
}

// Config is the complete, typed configuration surface for the deconvolution
// core, analogous to the teacher's bundled ModelHardwareConfig/PolicyConfig
// structs (sim/bundle.go).
type Config struct {
	Deconv   DeconvConfig   `yaml:"deconv"`
	WSCMS    WSCMSConfig    `yaml:"wscms"`
	Freq     FreqConfig     `yaml:"freq"`
	Facets   FacetsConfig   `yaml:"facets"`
	Image    ImageConfig    `yaml:"image"`
	Parallel ParallelConfig `yaml:"parallel"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Deconv: DeconvConfig{
			Gain:          0.1,
			AllowNegative: false,
		},
		WSCMS: WSCMSConfig{
			SubMinorPeakFact:  0.4,
			NSubMinorIter:     1000,
			MultiScaleBias:    0.6,
			Scales:            nil,
			MaxScale:          0,
			CacheSize:         64,
			CacheDir:          ".wscms-cache",
			AutoMask:          false,
			AutoMaskThreshold: nil,
			AutoMaskRMSFactor: 3.0,
			NumFreqBasisFuncs: 2,
			Basis:             BasisPolynomial,
		},
		Freq: FreqConfig{
			NBand: 1,
		},
		Facets: FacetsConfig{
			NFacets: 1,
			Padding: 1.5,
		},
		Image: ImageConfig{
			Cell: 1.0,
		},
		Parallel: ParallelConfig{
			NCPU:     1,
			Affinity: AffinityContiguous,
		},
	}
}

// Load reads a YAML configuration file over the documented defaults and
// validates it. Fields absent from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate surfaces configuration errors before any iteration begins, per
// the error-handling design: invalid scale list, unknown basis, unknown
// affinity policy.
func (c Config) Validate() error {
	for _, s := range c.WSCMS.Scales {
		if s < 0 {
			return fmt.Errorf("config: negative scale %v in WSCMS.Scales", s)
		}
	}
	if len(c.WSCMS.Scales) > 0 && c.WSCMS.Scales[0] != 0 {
		return fmt.Errorf("config: WSCMS.Scales[0] must be the delta scale (0), got %v", c.WSCMS.Scales[0])
	}
	switch c.WSCMS.Basis {
	case BasisPolynomial:
	default:
		return fmt.Errorf("config: unknown WSCMS.Basis %q", c.WSCMS.Basis)
	}
	switch c.Parallel.Affinity {
	case AffinityContiguous, AffinityStride2, AffinityInterleave4:
	default:
		return fmt.Errorf("config: unknown Parallel.Affinity %q", c.Parallel.Affinity)
	}
	if c.WSCMS.MultiScaleBias <= 0 || c.WSCMS.MultiScaleBias > 1 {
		return fmt.Errorf("config: WSCMS.MultiScaleBias must be in (0,1], got %v", c.WSCMS.MultiScaleBias)
	}
	if c.Facets.NFacets <= 0 {
		return fmt.Errorf("config: Facets.NFacets must be positive, got %d", c.Facets.NFacets)
	}
	if c.Facets.Padding < 1 {
		return fmt.Errorf("config: Facets.Padding must be >= 1, got %v", c.Facets.Padding)
	}
	if c.Freq.NBand <= 0 {
		return fmt.Errorf("config: Freq.NBand must be positive, got %d", c.Freq.NBand)
	}
	if c.WSCMS.CacheDir == "" {
		return fmt.Errorf("config: WSCMS.CacheDir must not be empty")
	}
	return nil
}
