package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/example/phasesearch/internal/model"
	"github.com/example/phasesearch/internal/pipeline"
)

type fakeFilter struct {
	paths []string
	err   error
	calls []pipeline.FilterQuery
}

func (f *fakeFilter) Filter(_ context.Context, _ string, q pipeline.FilterQuery) ([]string, error) {
	f.calls = append(f.calls, q)
	return f.paths, f.err
}

// fakeSearcher returns one solution per candidate, each holding that
// candidate as its only phase.
type fakeSearcher struct {
	err error
	req pipeline.SearchRequest
}

func (s *fakeSearcher) Search(_ context.Context, req pipeline.SearchRequest) ([]pipeline.Solution, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	var out []pipeline.Solution
	for i, c := range req.Candidates {
		out = append(out, pipeline.Solution{
			Rwp:         float64(5 + i),
			PatternName: "scan",
			Phases: []pipeline.Phase{{
				Path:             c,
				Formula:          "Fe2O3",
				SpaceGroup:       "R-3c",
				SpaceGroupNumber: 167,
				CrystalSystem:    "trigonal",
				Lattice:          pipeline.Lattice{A: 5.0356, B: 5.0356, C: 13.7489, Alpha: 90, Beta: 90, Gamma: 120},
				WeightPercent:    100,
				Result:           map[string]any{"rphase": 2.5},
			}},
			Figure: json.RawMessage(`{"data": [], "layout": {"title": "fit"}}`),
		})
	}
	return out, nil
}

func writePattern(t *testing.T, dir string, points int, step float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("# 2theta intensity\n")
	for i := range points {
		fmt.Fprintf(&b, "%.3f %.1f\n", 10+float64(i)*step, 50+float64(i%50)*10)
	}
	path := filepath.Join(dir, "scan.xy")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func baseInput(pattern string) model.JobInput {
	return model.JobInput{
		User:              "alice",
		ChemicalSystem:    "Fe-O",
		RequiredElements:  []string{"Fe", "O"},
		Wavelength:        "Cu",
		InstrumentProfile: "Aeris-fds-Pixcel1d-Medipix3",
		Database:          model.Database{Source: model.SourceNone, MaxPhases: model.DefaultMaxPhases},
		PatternFilename:   "scan.xy",
		PatternPath:       pattern,
	}
}

type env struct {
	workdir, indexes string
	filter           *fakeFilter
	searcher         *fakeSearcher
	p                *pipeline.Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		workdir:  filepath.Join(root, "work"),
		indexes:  filepath.Join(root, "indexes"),
		filter:   &fakeFilter{},
		searcher: &fakeSearcher{},
	}
	require.NoError(t, os.MkdirAll(e.indexes, 0o755))
	e.p = pipeline.New(e.workdir, e.indexes, e.filter, e.searcher, nil)
	return e
}

func (e *env) uploadCIF(t *testing.T, chemSys, name string) string {
	t.Helper()
	w, err := pipeline.PrepareWorkdirs(e.workdir, chemSys)
	require.NoError(t, err)
	path := filepath.Join(w.CustomCIFs, name)
	require.NoError(t, os.WriteFile(path, []byte("data_"+name+"\n"), 0o644))
	return path
}

func TestExecuteCustomStructureOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	cif := e.uploadCIF(t, "Fe-O", "Fe2O3.cif")
	e.uploadCIF(t, "Fe-O", "notes.txt")
	in := baseInput(writePattern(t, t.TempDir(), 200, 0.2))

	out, err := e.p.Execute(t.Context(), "job-a", in)
	require.NoError(t, err)
	require.Empty(t, e.filter.calls)
	require.Equal(t, []string{cif}, e.searcher.req.Candidates)
	require.Equal(t, "Cu", e.searcher.req.Wavelength)
	require.Equal(t, 1, out.NumCandidates)
	require.Empty(t, out.Degradations)

	require.NotNil(t, out.Diagnostics)
	require.Equal(t, 200, out.Diagnostics.NumPoints)
	require.Equal(t, model.CheckOK, out.Diagnostics.Checks[model.CheckNumPoints])
	require.Equal(t, model.CheckOK, out.Diagnostics.Checks[model.CheckTwoThetaRange])

	require.Len(t, out.Solutions, 1)
	sol := out.Solutions[0]
	require.Equal(t, 1, sol.Index)
	require.LessOrEqual(t, sol.NumPhases, 1)
	require.Equal(t, "fit", sol.Plot["layout"].(map[string]any)["title"])
	require.Equal(t, pipeline.PhaseColumns, sol.PhasesTable.Columns)
	row := sol.PhasesTable.Rows[0]
	require.Equal(t, pipeline.SourceCustom, row[pipeline.ColSource])
	require.Equal(t, "Fe2O3", row[pipeline.ColPhaseName])
	require.Equal(t, "5.0356", row[pipeline.ColA])
	require.Equal(t, "120.00", row[pipeline.ColGamma])

	want := filepath.Join(e.workdir, "FeO", "reports", "job-a", "solution_1.zip")
	require.Equal(t, want, sol.ReportZip)
	zr, err := zip.OpenReader(sol.ReportZip)
	require.NoError(t, err)
	defer zr.Close()
	var entries []string
	for _, f := range zr.File {
		entries = append(entries, f.Name)
	}
	require.Subset(t, entries, []string{
		pipeline.FilePlot,
		pipeline.FileCSV,
		pipeline.FileXLSX,
		pipeline.FileStats,
		pipeline.FileSummary,
		"cif_files/01_Fe2O3.cif",
	})
}

func TestExecuteDatabaseCandidates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.indexes, "mp_index.sqlite"), nil, 0o644))
	e.filter.paths = []string{"/idx/FeO.cif", "/idx/Fe3O4.cif"}
	custom := e.uploadCIF(t, "Fe-O", "mine.cif")

	in := baseInput(writePattern(t, t.TempDir(), 50, 0.1))
	in.ExcludeElements = []string{"Pb"}
	in.Database = model.Database{
		Source:    model.SourceMP,
		MaxPhases: 10,
		MP:        &model.MPParams{ExperimentalOnly: true, MaxEAboveHull: 0.05},
	}

	out, err := e.p.Execute(t.Context(), "job-db", in)
	require.NoError(t, err)
	require.Len(t, e.filter.calls, 1)
	require.Equal(t, []string{"Pb"}, e.filter.calls[0].Excluded)
	require.Equal(t, in.Database, e.filter.calls[0].Database)
	require.Equal(t, []string{"/idx/FeO.cif", "/idx/Fe3O4.cif", custom}, e.searcher.req.Candidates)
	require.Equal(t, 3, out.NumCandidates)
	require.Len(t, out.Solutions, 3)
	for i, sol := range out.Solutions {
		require.Equal(t, i+1, sol.Index)
	}
	require.Equal(t, "MP", out.Solutions[0].PhasesTable.Rows[0][pipeline.ColSource])
	require.Equal(t, pipeline.SourceCustom, out.Solutions[2].PhasesTable.Rows[0][pipeline.ColSource])

	// missing structure files degrade the report, not the job
	require.True(t, out.Degraded(pipeline.StepReport, 1))
	require.False(t, out.Degraded(pipeline.StepReport, 3))
	require.NotEmpty(t, out.Solutions[0].ReportZip)

	require.Equal(t, model.CheckWarn, out.Diagnostics.Checks[model.CheckNumPoints])
	require.Equal(t, model.CheckWarn, out.Diagnostics.Checks[model.CheckTwoThetaRange])
}

func TestExecuteMissingIndex(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	in := baseInput(writePattern(t, t.TempDir(), 120, 0.2))
	in.Database.Source = model.SourceCOD

	out, err := e.p.Execute(t.Context(), "job-b", in)
	require.ErrorIs(t, err, pipeline.ErrIndexNotFound)
	require.ErrorContains(t, err, "COD")
	require.ErrorContains(t, err, filepath.Join(e.indexes, "cod_index.sqlite"))
	require.NotNil(t, out.Diagnostics)
	require.Empty(t, e.filter.calls)
}

func TestExecuteNoCandidates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.indexes, "icsd_index.sqlite"), nil, 0o644))
	in := baseInput(writePattern(t, t.TempDir(), 120, 0.2))
	in.ChemicalSystem = "Zr-Te"
	in.RequiredElements = []string{"Zr", "Te"}
	in.Database.Source = model.SourceICSD

	out, err := e.p.Execute(t.Context(), "job-c", in)
	require.ErrorIs(t, err, pipeline.ErrNoCandidates)
	require.ErrorContains(t, err, "no candidate phases found")
	require.Empty(t, out.Solutions)
	require.Len(t, e.filter.calls, 1)
}

func TestExecuteMissingPattern(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	in := baseInput(filepath.Join(t.TempDir(), "gone.xy"))

	_, err := e.p.Execute(t.Context(), "job-x", in)
	require.ErrorIs(t, err, pipeline.ErrPatternNotFound)
	require.ErrorContains(t, err, "gone.xy")
	_, statErr := os.Stat(filepath.Join(e.workdir, "FeO"))
	require.True(t, os.IsNotExist(statErr))
}

func TestExecuteSearchAndDiagnosticsFailures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.uploadCIF(t, "Fe-O", "Fe2O3.cif")
	e.searcher.err = errors.New("refinement diverged")

	dir := t.TempDir()
	pattern := filepath.Join(dir, "scan.xy")
	require.NoError(t, os.WriteFile(pattern, []byte("2theta,counts\n10,5\n"), 0o644))

	out, err := e.p.Execute(t.Context(), "job-f", baseInput(pattern))
	require.ErrorContains(t, err, "refinement diverged")
	require.True(t, out.Degraded(pipeline.StepDiagnostics, 0))
	require.Equal(t, model.PlaceholderDiagnostics(), *out.Diagnostics)
}

func TestExecuteMissingFigure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.uploadCIF(t, "Fe-O", "Fe2O3.cif")
	p := pipeline.New(e.workdir, e.indexes, e.filter, searchFunc(func(req pipeline.SearchRequest) []pipeline.Solution {
		return []pipeline.Solution{
			{Rwp: 4, Phases: []pipeline.Phase{{Path: req.Candidates[0]}}},
			{Rwp: 8, Phases: []pipeline.Phase{{Path: req.Candidates[0]}}, Figure: json.RawMessage(`[1, 2]`)},
		}
	}), nil)

	out, err := p.Execute(t.Context(), "job-p", baseInput(writePattern(t, t.TempDir(), 120, 0.2)))
	require.NoError(t, err)
	require.Len(t, out.Solutions, 2)
	require.True(t, out.Degraded(pipeline.StepPlot, 1))
	require.True(t, out.Degraded(pipeline.StepPlot, 2))
	require.Nil(t, out.Solutions[0].Plot)
	require.NotEmpty(t, out.Solutions[1].ReportZip)
}

type searchFunc func(pipeline.SearchRequest) []pipeline.Solution

func (f searchFunc) Search(_ context.Context, req pipeline.SearchRequest) ([]pipeline.Solution, error) {
	return f(req), nil
}

func TestExecuteRelativeWorkdir(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.MkdirAll("indexes", 0o755))
	filter, searcher := &fakeFilter{}, &fakeSearcher{}
	p := pipeline.New(filepath.Join("data", "work"), "indexes", filter, searcher, nil)

	dirs, err := pipeline.PrepareWorkdirs(filepath.Join("data", "work"), "Fe-O")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirs.CustomCIFs, "Fe2O3.cif"), []byte("data_Fe2O3\n"), 0o644))

	out, err := p.Execute(t.Context(), "job-rel", baseInput(writePattern(t, t.TempDir(), 120, 0.2)))
	require.NoError(t, err)
	require.Len(t, out.Solutions, 1)
	require.Equal(t, pipeline.SourceCustom, out.Solutions[0].PhasesTable.Rows[0][pipeline.ColSource])
}

func TestBuildPhaseTableRelativeCustomDir(t *testing.T) {
	t.Chdir(t.TempDir())
	dirs, err := pipeline.PrepareWorkdirs(filepath.Join("data", "work"), "Fe-O")
	require.NoError(t, err)
	abs, err := filepath.Abs(filepath.Join(dirs.CustomCIFs, "Fe2O3.cif"))
	require.NoError(t, err)

	table := pipeline.BuildPhaseTable([]pipeline.Phase{
		{Path: abs, Formula: "Fe2O3"},
		{Path: "/elsewhere/FeO.cif", Formula: "FeO"},
	}, dirs.CustomCIFs, "NONE")
	require.Equal(t, pipeline.SourceCustom, table.Rows[0][pipeline.ColSource])
	require.Equal(t, "NONE", table.Rows[1][pipeline.ColSource])
}
