package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/xuri/excelize/v2"

	"github.com/example/phasesearch/internal/model"
)

const (
	ColSource        = "Source"
	ColPhaseName     = "Phase Name"
	ColFormula       = "Formula"
	ColSpaceGroup    = "Space Group"
	ColSGNumber      = "SG Number"
	ColCrystalSystem = "Crystal System"
	ColA             = "a (Å)"
	ColB             = "b (Å)"
	ColC             = "c (Å)"
	ColAlpha         = "α (°)"
	ColBeta          = "β (°)"
	ColGamma         = "γ (°)"
	ColWeight        = "Weight %"

	SourceCustom = "Custom"
)

var PhaseColumns = []string{
	ColSource, ColPhaseName, ColFormula, ColSpaceGroup, ColSGNumber, ColCrystalSystem,
	ColA, ColB, ColC, ColAlpha, ColBeta, ColGamma, ColWeight,
}

// BuildPhaseTable renders the identified phases of a solution. Phases whose
// structure file lives under customDir are reported as custom uploads,
// everything else as coming from database.
func BuildPhaseTable(phases []Phase, customDir, database string) model.PhaseTable {
	t := model.PhaseTable{
		Columns: PhaseColumns,
		Rows:    make([]map[string]any, 0, len(phases)),
	}
	for _, ph := range phases {
		source := database
		if customDir != "" && isUnder(ph.Path, customDir) {
			source = SourceCustom
		}
		t.Rows = append(t.Rows, map[string]any{
			ColSource:        source,
			ColPhaseName:     ph.DisplayName(),
			ColFormula:       ph.Formula,
			ColSpaceGroup:    ph.SpaceGroup,
			ColSGNumber:      ph.SpaceGroupNumber,
			ColCrystalSystem: ph.CrystalSystem,
			ColA:             fmt.Sprintf("%.4f", ph.Lattice.A),
			ColB:             fmt.Sprintf("%.4f", ph.Lattice.B),
			ColC:             fmt.Sprintf("%.4f", ph.Lattice.C),
			ColAlpha:         fmt.Sprintf("%.2f", ph.Lattice.Alpha),
			ColBeta:          fmt.Sprintf("%.2f", ph.Lattice.Beta),
			ColGamma:         fmt.Sprintf("%.2f", ph.Lattice.Gamma),
			ColWeight:        fmt.Sprintf("%.2f", ph.WeightPercent),
		})
	}
	return t
}

func isUnder(path, dir string) bool {
	path, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

const (
	FilePlot    = "refinement_plot.json"
	FileCSV     = "identified_phases.csv"
	FileXLSX    = "identified_phases.xlsx"
	FileStats   = "refinement_stats.json"
	DirCIFs     = "cif_files"
	FileSummary = "summary.txt"
)

// Report is the downloadable bundle of one solution.
type Report struct {
	Number   int
	Solution Solution
	Plot     map[string]any
	Table    model.PhaseTable
}

// Dir is the bundle directory below reportsDir.
func (r Report) Dir(reportsDir string) string {
	return filepath.Join(reportsDir, fmt.Sprintf("solution_%d", r.Number))
}

// Write lays out the bundle under reportsDir/solution_<n>. Each file is
// written independently; the returned errors name the files that could not
// be produced. An empty dir means not even the directory could be created.
func (r Report) Write(reportsDir string) (string, []error) {
	dir := r.Dir(reportsDir)
	if err := os.MkdirAll(filepath.Join(dir, DirCIFs), 0o755); err != nil {
		return "", []error{fmt.Errorf("create report dir: %w", err)}
	}

	var errs []error
	step := func(name string, fn func(path string) error) {
		if err := fn(filepath.Join(dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if r.Plot != nil {
		step(FilePlot, func(path string) error { return writeJSONFile(path, r.Plot) })
	}
	step(FileCSV, r.writeCSV)
	step(FileXLSX, r.writeXLSX)
	step(FileStats, func(path string) error { return writeJSONFile(path, r.stats()) })
	step(DirCIFs, r.copyCIFs)
	step(FileSummary, r.writeSummary)
	return dir, errs
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (r Report) writeCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write(r.Table.Columns)
	for _, row := range r.Table.Rows {
		rec := make([]string, len(r.Table.Columns))
		for i, col := range r.Table.Columns {
			rec[i] = cellString(row[col])
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r Report) writeXLSX(path string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Identified Phases"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	set := func(col, row int, v any) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(sheet, cell, v)
	}
	for i, h := range r.Table.Columns {
		if err := set(i+1, 1, h); err != nil {
			return err
		}
	}
	for ri, row := range r.Table.Rows {
		for ci, col := range r.Table.Columns {
			if err := set(ci+1, ri+2, row[col]); err != nil {
				return err
			}
		}
	}
	for _, w := range []struct {
		from, to string
		width    float64
	}{{"A", "A", 10}, {"B", "B", 28}, {"C", "F", 16}} {
		if err := f.SetColWidth(sheet, w.from, w.to, w.width); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

type refinementStats struct {
	SolutionNumber int                       `json:"solution_number"`
	PatternName    string                    `json:"pattern_name"`
	Rwp            float64                   `json:"rwp"`
	Rp             *float64                  `json:"rp"`
	GoF            *float64                  `json:"gof"`
	NumPhases      int                       `json:"num_phases"`
	PhaseResults   map[string]map[string]any `json:"phase_results"`
}

func (r Report) stats() refinementStats {
	s := refinementStats{
		SolutionNumber: r.Number,
		PatternName:    r.Solution.PatternName,
		Rwp:            r.Solution.Rwp,
		Rp:             r.Solution.Rp,
		GoF:            r.Solution.GoF,
		NumPhases:      len(r.Solution.Phases),
		PhaseResults:   make(map[string]map[string]any, len(r.Solution.Phases)),
	}
	for _, ph := range r.Solution.Phases {
		s.PhaseResults[ph.DisplayName()] = ph.Result
	}
	return s
}

func (r Report) copyCIFs(dir string) error {
	var errs []string
	for i, ph := range r.Solution.Phases {
		dst := filepath.Join(dir, fmt.Sprintf("%02d_%s", i+1, filepath.Base(ph.Path)))
		if err := copyFile(ph.Path, dst); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("copy structures: %s", strings.Join(errs, "; "))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// errWriter remembers the first write error so a long run of Fprintf calls
// can be checked once.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

func (r Report) writeSummary(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := &errWriter{w: f}
	rule := strings.Repeat("=", 70)
	thin := strings.Repeat("-", 70)

	fmt.Fprintf(w, "%s\nPHASE SEARCH REPORT - Solution %d\n%s\n\n", rule, r.Number, rule)
	if r.Solution.PatternName != "" {
		fmt.Fprintf(w, "Pattern: %s\n", r.Solution.PatternName)
	}
	fmt.Fprintf(w, "Rwp: %.2f%%\n", r.Solution.Rwp)
	fmt.Fprintf(w, "Number of phases: %d\n\n", len(r.Solution.Phases))

	if len(r.Table.Rows) > 0 {
		fmt.Fprintf(w, "%s\nIDENTIFIED PHASES:\n%s\n\n", thin, thin)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(r.Table.Columns, "\t"))
		for _, row := range r.Table.Rows {
			cells := make([]string, len(r.Table.Columns))
			for i, col := range r.Table.Columns {
				cells[i] = cellString(row[col])
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		if err := tw.Flush(); err != nil && w.err == nil {
			w.err = err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "%s\nFILES:\n%s\n", thin, thin)
	for _, name := range []string{FilePlot, FileCSV, FileXLSX, FileStats, DirCIFs + "/", FileSummary} {
		fmt.Fprintf(w, "- %s\n", name)
	}
	if w.err != nil {
		_ = f.Close()
		return w.err
	}
	return f.Close()
}
