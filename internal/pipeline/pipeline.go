// Package pipeline turns one job input into pattern diagnostics and ranked
// solutions. Candidate filtering and the phase search itself are reached
// through the Filter and Searcher interfaces; the pipeline owns the working
// directories, the per-solution report bundles and their archives, and never
// touches the job store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/example/phasesearch/internal/model"
)

var (
	ErrPatternNotFound = errors.New("pattern file not found")
	ErrIndexNotFound   = errors.New("index not found")
	ErrNoCandidates    = errors.New("no candidate phases found")
)

// FilterQuery narrows a phase index to the structures relevant for a job.
type FilterQuery struct {
	Required []string
	Excluded []string
	Database model.Database
}

// Filter returns candidate structure file paths from the index at indexPath.
type Filter interface {
	Filter(ctx context.Context, indexPath string, q FilterQuery) ([]string, error)
}

type SearchRequest struct {
	PatternPath       string   `json:"pattern_path"`
	Candidates        []string `json:"candidates"`
	Wavelength        string   `json:"wavelength"`
	InstrumentProfile string   `json:"instrument_profile"`
}

// Searcher runs the phase search. Solutions come back best first.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Solution, error)
}

type Lattice struct {
	A     float64 `json:"a"`
	B     float64 `json:"b"`
	C     float64 `json:"c"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Phase is one identified phase of a solution. Result carries the raw
// refinement values reported for it.
type Phase struct {
	Path             string         `json:"path"`
	Name             string         `json:"name,omitempty"`
	Formula          string         `json:"formula,omitempty"`
	SpaceGroup       string         `json:"space_group,omitempty"`
	SpaceGroupNumber int            `json:"space_group_number,omitempty"`
	CrystalSystem    string         `json:"crystal_system,omitempty"`
	Lattice          Lattice        `json:"lattice"`
	WeightPercent    float64        `json:"weight_percent"`
	Result           map[string]any `json:"result,omitempty"`
}

// DisplayName is the phase name, or the structure file stem if unnamed.
func (p Phase) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	base := filepath.Base(p.Path)
	return base[:len(base)-len(filepath.Ext(base))]
}

type Solution struct {
	Rwp         float64         `json:"rwp"`
	Rp          *float64        `json:"rp,omitempty"`
	GoF         *float64        `json:"gof,omitempty"`
	PatternName string          `json:"pattern_name,omitempty"`
	Phases      []Phase         `json:"phases"`
	Figure      json.RawMessage `json:"figure,omitempty"`
}

// Outcome is the result of one execution. It is returned even when Execute
// fails, holding whatever was computed before the failure.
type Outcome struct {
	Diagnostics   *model.Diagnostics
	Solutions     []model.SolutionResult
	NumCandidates int
	Degradations  []model.Degradation
}

func (o *Outcome) degrade(step string, solution int, err error) {
	o.Degradations = append(o.Degradations, model.Degradation{Step: step, Solution: solution, Message: err.Error()})
}

// Degraded reports whether step failed for the given solution (0 for
// job-level steps).
func (o Outcome) Degraded(step string, solution int) bool {
	for _, d := range o.Degradations {
		if d.Step == step && d.Solution == solution {
			return true
		}
	}
	return false
}

const (
	StepDiagnostics = "diagnostics"
	StepPlot        = "plot"
	StepReport      = "report"
	StepArchive     = "archive"
)

var indexFiles = map[model.DatabaseSource]string{
	model.SourceCOD:  "cod_index.sqlite",
	model.SourceICSD: "icsd_index.sqlite",
	model.SourceMP:   "mp_index.sqlite",
}

// IndexPath is where the index for src is expected under dir.
func IndexPath(dir string, src model.DatabaseSource) (string, error) {
	name, ok := indexFiles[src]
	if !ok {
		return "", fmt.Errorf("%w: no index for database %s", model.ErrInvalidInput, src)
	}
	return filepath.Join(dir, name), nil
}

type Pipeline struct {
	workdir    string
	indexesDir string
	filter     Filter
	searcher   Searcher
	logger     *slog.Logger
}

func New(workdir, indexesDir string, filter Filter, searcher Searcher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		workdir:    workdir,
		indexesDir: indexesDir,
		filter:     filter,
		searcher:   searcher,
		logger:     logger,
	}
}

func (p *Pipeline) Execute(ctx context.Context, jobID string, in model.JobInput) (Outcome, error) {
	var out Outcome

	if _, err := os.Stat(in.PatternPath); err != nil {
		return out, fmt.Errorf("%w: %s", ErrPatternNotFound, in.PatternPath)
	}

	dirs, err := PrepareWorkdirs(p.workdir, in.ChemicalSystem)
	if err != nil {
		return out, err
	}

	diag, err := ComputeDiagnostics(in.PatternPath)
	if err != nil {
		p.logger.WarnContext(ctx, "pattern diagnostics failed", "error", err)
		out.degrade(StepDiagnostics, 0, err)
		diag = model.PlaceholderDiagnostics()
	}
	out.Diagnostics = &diag

	candidates, err := p.candidates(ctx, in, dirs)
	if err != nil {
		return out, err
	}
	out.NumCandidates = len(candidates)
	p.logger.InfoContext(ctx, "running phase search", "candidates", len(candidates))

	solutions, err := p.searcher.Search(ctx, SearchRequest{
		PatternPath:       in.PatternPath,
		Candidates:        candidates,
		Wavelength:        in.Wavelength,
		InstrumentProfile: in.InstrumentProfile,
	})
	if err != nil {
		return out, fmt.Errorf("phase search: %w", err)
	}

	reportsDir := dirs.JobReports(jobID)
	out.Solutions = make([]model.SolutionResult, 0, len(solutions))
	for i, sol := range solutions {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Solutions = append(out.Solutions, p.present(ctx, &out, i+1, sol, in, dirs, reportsDir))
	}
	return out, nil
}

func (p *Pipeline) candidates(ctx context.Context, in model.JobInput, dirs Workdirs) ([]string, error) {
	var out []string
	if src := in.Database.Source; src != model.SourceNone {
		indexPath, err := IndexPath(p.indexesDir, src)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(indexPath); err != nil {
			return nil, fmt.Errorf("%w for %s: %s", ErrIndexNotFound, src, indexPath)
		}
		paths, err := p.filter.Filter(ctx, indexPath, FilterQuery{
			Required: in.RequiredElements,
			Excluded: in.ExcludeElements,
			Database: in.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("filter %s index: %w", src, err)
		}
		out = append(out, paths...)
	}

	custom, err := dirs.CustomStructures()
	if err != nil {
		return nil, err
	}
	out = append(out, custom...)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: check the %s index and the required elements, or upload structure files", ErrNoCandidates, in.Database.Source)
	}
	return out, nil
}

// present builds the stored form of one solution. Every failure here is
// recorded as a degradation and leaves the affected field empty.
func (p *Pipeline) present(ctx context.Context, out *Outcome, n int, sol Solution, in model.JobInput, dirs Workdirs, reportsDir string) model.SolutionResult {
	res := model.SolutionResult{
		Index:     n,
		Rwp:       sol.Rwp,
		NumPhases: len(sol.Phases),
	}

	plot, err := PlotPayload(sol)
	if err != nil {
		out.degrade(StepPlot, n, err)
	} else {
		res.Plot = plot
	}

	res.PhasesTable = BuildPhaseTable(sol.Phases, dirs.CustomCIFs, string(in.Database.Source))

	rep := Report{
		Number:   n,
		Solution: sol,
		Plot:     res.Plot,
		Table:    res.PhasesTable,
	}
	dir, errs := rep.Write(reportsDir)
	for _, err := range errs {
		out.degrade(StepReport, n, err)
	}
	if dir == "" {
		return res
	}

	zipPath := dir + ".zip"
	if err := Archive(dir, zipPath); err != nil {
		p.logger.WarnContext(ctx, "report archive failed", "solution", n, "error", err)
		out.degrade(StepArchive, n, err)
		return res
	}
	res.ReportZip = zipPath
	return res
}

// PlotPayload decodes the figure returned by the search into a generic
// JSON object.
func PlotPayload(sol Solution) (map[string]any, error) {
	if len(sol.Figure) == 0 || string(sol.Figure) == "null" {
		return nil, errors.New("search returned no figure")
	}
	var fig map[string]any
	if err := json.Unmarshal(sol.Figure, &fig); err != nil {
		return nil, fmt.Errorf("decode figure: %w", err)
	}
	return fig, nil
}
