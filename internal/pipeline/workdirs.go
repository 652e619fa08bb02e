package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Workdirs are the directories shared by every job of one chemical system.
type Workdirs struct {
	Base       string
	CustomCIFs string
	Reports    string
}

// ChemicalSystemDir names the working directory of a chemical system:
// "Fe-O" becomes "FeO". Anything but letters and digits is dropped.
func ChemicalSystemDir(sys string) string {
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, sys)
	if name == "" {
		return "unspecified"
	}
	return name
}

func LayoutWorkdirs(root, chemicalSystem string) Workdirs {
	base := filepath.Join(root, ChemicalSystemDir(chemicalSystem))
	return Workdirs{
		Base:       base,
		CustomCIFs: filepath.Join(base, "custom_cifs"),
		Reports:    filepath.Join(base, "reports"),
	}
}

// PrepareWorkdirs creates the directories of a chemical system. It is safe
// to call repeatedly and concurrently.
func PrepareWorkdirs(root, chemicalSystem string) (Workdirs, error) {
	w := LayoutWorkdirs(root, chemicalSystem)
	for _, dir := range []string{w.CustomCIFs, w.Reports} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Workdirs{}, fmt.Errorf("prepare workdir: %w", err)
		}
	}
	return w, nil
}

// JobReports is the reports directory of a single job.
func (w Workdirs) JobReports(jobID string) string {
	return filepath.Join(w.Reports, jobID)
}

// CustomStructures lists uploaded *.cif files, sorted, as absolute paths.
func (w Workdirs) CustomStructures() ([]string, error) {
	entries, err := os.ReadDir(w.CustomCIFs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list custom structures: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".cif") {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(w.CustomCIFs, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	sort.Strings(out)
	return out, nil
}
