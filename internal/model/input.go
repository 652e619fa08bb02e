package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type DatabaseSource string

const (
	SourceNone DatabaseSource = "NONE"
	SourceCOD  DatabaseSource = "COD"
	SourceICSD DatabaseSource = "ICSD"
	SourceMP   DatabaseSource = "MP"
)

const (
	DefaultMaxPhases     = 500
	DefaultMaxEAboveHull = 0.1
)

func ParseDatabaseSource(raw string) (DatabaseSource, error) {
	s := DatabaseSource(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case SourceNone, SourceCOD, SourceICSD, SourceMP:
		return s, nil
	}
	return "", fmt.Errorf("%w: unsupported database %q", ErrInvalidInput, raw)
}

// MPParams only apply to the Materials Project source.
type MPParams struct {
	ExperimentalOnly bool    `json:"experimental_only"`
	MaxEAboveHull    float64 `json:"max_e_above_hull"`
}

// Database selects the candidate source together with the tuning that is
// valid for it.
type Database struct {
	Source    DatabaseSource `json:"source"`
	MaxPhases int            `json:"max_phases"`
	MP        *MPParams      `json:"mp,omitempty"`
}

func (d Database) Validate() error {
	if _, err := ParseDatabaseSource(string(d.Source)); err != nil {
		return err
	}
	if d.MaxPhases <= 0 {
		return fmt.Errorf("%w: max_phases must be positive, got %d", ErrInvalidInput, d.MaxPhases)
	}
	if d.MP != nil {
		if d.Source != SourceMP {
			return fmt.Errorf("%w: MP parameters given for database %s", ErrInvalidInput, d.Source)
		}
		if d.MP.MaxEAboveHull < 0 {
			return fmt.Errorf("%w: max_e_above_hull must not be negative", ErrInvalidInput)
		}
	}
	return nil
}

// anodes maps lower-case anode symbols to their canonical spelling.
var anodes = map[string]string{
	"cu": "Cu",
	"co": "Co",
	"cr": "Cr",
	"fe": "Fe",
	"mo": "Mo",
	"ag": "Ag",
}

// ParseWavelength accepts an anode symbol or an explicit wavelength in
// Ångström and returns its canonical string form.
func ParseWavelength(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if name, ok := anodes[strings.ToLower(raw)]; ok {
		return name, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return "", fmt.Errorf("%w: unsupported wavelength %q", ErrInvalidInput, raw)
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

var PatternExtensions = []string{".xy", ".xye", ".txt", ".csv", ".dat", ".raw", ".xrdml"}

// JobInput is written once at submission and never mutated.
type JobInput struct {
	User              string   `json:"user"`
	ChemicalSystem    string   `json:"chemical_system"`
	RequiredElements  []string `json:"required_elements"`
	ExcludeElements   []string `json:"exclude_elements"`
	Wavelength        string   `json:"wavelength"`
	InstrumentProfile string   `json:"instrument_profile"`
	Database          Database `json:"database"`
	PatternFilename   string   `json:"pattern_filename"`
	PatternPath       string   `json:"pattern_path"`
}

func (in JobInput) Validate() error {
	var errs []error
	if strings.TrimSpace(in.User) == "" {
		errs = append(errs, fmt.Errorf("%w: user is required", ErrInvalidInput))
	}
	for _, el := range in.RequiredElements {
		if !IsElement(el) {
			errs = append(errs, fmt.Errorf("%w: unknown required element %q", ErrInvalidInput, el))
		}
	}
	for _, el := range in.ExcludeElements {
		if !IsElement(el) {
			errs = append(errs, fmt.Errorf("%w: unknown excluded element %q", ErrInvalidInput, el))
		}
	}
	if _, err := ParseWavelength(in.Wavelength); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(in.InstrumentProfile) == "" {
		errs = append(errs, fmt.Errorf("%w: instrument_profile is required", ErrInvalidInput))
	}
	if err := in.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !HasPatternExtension(in.PatternFilename) {
		errs = append(errs, fmt.Errorf("%w: unsupported pattern file %q", ErrInvalidInput, in.PatternFilename))
	}
	return errors.Join(errs...)
}

func HasPatternExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range PatternExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
