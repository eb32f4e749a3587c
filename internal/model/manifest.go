package model

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const ManifestSchemaVersion = 1

// ClassCodes is the closed set of diagnostic class codes.
var ClassCodes = []string{"ak", "bcc", "bkl", "df", "mel", "nv", "scc", "vasc"}

var ErrManifest = errors.New("invalid manifest")

// Manifest is manifest.yaml at the root of the models directory.
type Manifest struct {
	SchemaVersion   int                    `yaml:"schema_version"`
	ClassOrder      []string               `yaml:"class_order"`
	HairMask        HairMaskSpec           `yaml:"hair_mask"`
	RiskTable       *RiskTableSpec         `yaml:"risk_table,omitempty"`
	GradCAMProfiles map[string]GradCAMSpec `yaml:"gradcam_profiles,omitempty"`
	Calibration     *CalibrationRecord     `yaml:"calibration,omitempty"`
}

type HairMaskSpec struct {
	InternalSize         int      `yaml:"internal_size"`
	RecommendedThreshold *float64 `yaml:"recommended_threshold,omitempty"`
}

type RiskTableSpec struct {
	Version  string          `yaml:"version"`
	Groups   []RiskGroupSpec `yaml:"groups"`
	Fallback []RiskBandSpec  `yaml:"fallback"`
}

type RiskGroupSpec struct {
	Classes []string       `yaml:"classes"`
	Bands   []RiskBandSpec `yaml:"bands"`
}

type RiskBandSpec struct {
	Min   float64 `yaml:"min"`
	Level string  `yaml:"level"`
}

type GradCAMSpec struct {
	Percentile float64 `yaml:"percentile"`
	Multiplier float64 `yaml:"multiplier"`
	Gamma      float64 `yaml:"gamma"`
}

type CalibrationRecord struct {
	Accuracy float64 `yaml:"accuracy"`
	Samples  int     `yaml:"samples"`
	Date     string  `yaml:"date"`
}

// LoadManifest reads and validates a manifest. Unknown keys are rejected.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	if m.HairMask.InternalSize == 0 {
		m.HairMask.InternalSize = 384
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.SchemaVersion != ManifestSchemaVersion {
		return fmt.Errorf("%w: schema_version %d, want %d", ErrManifest, m.SchemaVersion, ManifestSchemaVersion)
	}
	if err := ValidateClassOrder(m.ClassOrder); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	if m.HairMask.InternalSize < 32 || m.HairMask.InternalSize%32 != 0 {
		return fmt.Errorf("%w: hair_mask.internal_size must be a positive multiple of 32, got %d",
			ErrManifest, m.HairMask.InternalSize)
	}
	if t := m.HairMask.RecommendedThreshold; t != nil && (*t <= 0 || *t >= 1) {
		return fmt.Errorf("%w: hair_mask.recommended_threshold %v outside (0,1)", ErrManifest, *t)
	}
	for code := range m.GradCAMProfiles {
		if !isClassCode(code) {
			return fmt.Errorf("%w: gradcam_profiles has unknown class %q", ErrManifest, code)
		}
	}
	if rt := m.RiskTable; rt != nil {
		if rt.Version == "" {
			return fmt.Errorf("%w: risk_table.version is required", ErrManifest)
		}
		for _, g := range rt.Groups {
			for _, c := range g.Classes {
				if !isClassCode(c) {
					return fmt.Errorf("%w: risk_table has unknown class %q", ErrManifest, c)
				}
			}
		}
	}
	return nil
}

// ValidateClassOrder checks that order is a permutation of ClassCodes.
func ValidateClassOrder(order []string) error {
	if len(order) != len(ClassCodes) {
		return fmt.Errorf("class_order has %d entries, want %d", len(order), len(ClassCodes))
	}
	seen := make(map[string]bool, len(order))
	for _, c := range order {
		if !isClassCode(c) {
			return fmt.Errorf("unknown class code %q", c)
		}
		if seen[c] {
			return fmt.Errorf("class code %q listed twice", c)
		}
		seen[c] = true
	}
	return nil
}

func isClassCode(code string) bool {
	for _, c := range ClassCodes {
		if c == code {
			return true
		}
	}
	return false
}
