package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/phasesearch/internal/blob"
	"github.com/example/phasesearch/internal/model"
	"github.com/example/phasesearch/internal/pipeline"
)

const (
	maxUploadBytes           = 100 << 20
	defaultWavelength        = "Cu"
	defaultInstrumentProfile = "Aeris-fds-Pixcel1d-Medipix3"
	defaultDatabase          = model.SourceICSD
)

// JobStore is what the API needs from the job store.
type JobStore interface {
	Create(ctx context.Context, in model.JobInput) (string, error)
	GetSummary(ctx context.Context, id string) (model.JobSummary, error)
	ListSummaries(ctx context.Context, f model.ListFilter) ([]model.JobSummary, int, error)
	LoadDetail(ctx context.Context, id string) (*model.JobDetail, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
}

type Server struct {
	Uploads blob.LocalFS
	Jobs    JobStore
	// Workdir is the root of the per chemical system directories; uploaded
	// structure files go to its custom structure directory.
	Workdir string
	BaseURL string // optional, for generating absolute download URLs
	Logger  *slog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/download/{index}/zip", s.handleDownload)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	file, header, err := r.FormFile("pattern_file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'pattern_file' file: %w", err))
		return
	}
	defer file.Close()

	in, err := parseJobForm(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	in.PatternFilename = filepath.Base(header.Filename)
	if err := in.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	structures := r.MultipartForm.File["structure_files"]
	for _, fh := range structures {
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".cif") {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: structure file %q is not a .cif file", model.ErrInvalidInput, fh.Filename))
			return
		}
	}

	rel, err := s.Uploads.PutUpload(in.PatternFilename, file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("store pattern: %w", err))
		return
	}
	stored, err := s.Uploads.Path(rel)
	if err == nil {
		in.PatternPath, err = filepath.Abs(stored)
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if len(structures) > 0 {
		if err := s.saveStructures(in.ChemicalSystem, structures); err != nil {
			writeErr(w, http.StatusInternalServerError, fmt.Errorf("store structure files: %w", err))
			return
		}
	}

	id, err := s.Jobs.Create(ctx, in)
	if err != nil {
		s.logger().ErrorContext(ctx, "create job", "error", err)
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return
	}
	s.logger().InfoContext(ctx, "job submitted", "job_id", id, "user", in.User, "database", in.Database.Source)
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": id, "status": model.JobPending})
}

// parseJobForm reads every form field except the uploaded files. Absent
// optional fields take the documented defaults.
func parseJobForm(r *http.Request) (model.JobInput, error) {
	in := model.JobInput{
		User:              strings.TrimSpace(r.FormValue("user")),
		ChemicalSystem:    strings.TrimSpace(r.FormValue("chemical_system")),
		InstrumentProfile: formValue(r, "instrument_profile", defaultInstrumentProfile),
	}
	if in.ChemicalSystem == "" {
		return in, fmt.Errorf("%w: chemical_system is required", model.ErrInvalidInput)
	}

	var err error
	if in.RequiredElements, err = parseElements(r.FormValue("required_elements")); err != nil {
		return in, fmt.Errorf("required_elements: %w", err)
	}
	if in.ExcludeElements, err = parseElements(r.FormValue("exclude_elements")); err != nil {
		return in, fmt.Errorf("exclude_elements: %w", err)
	}
	if in.Wavelength, err = model.ParseWavelength(formValue(r, "wavelength", defaultWavelength)); err != nil {
		return in, err
	}

	src, err := model.ParseDatabaseSource(formValue(r, "database", string(defaultDatabase)))
	if err != nil {
		return in, err
	}
	in.Database = model.Database{Source: src, MaxPhases: model.DefaultMaxPhases}
	if raw := strings.TrimSpace(r.FormValue("max_phases")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return in, fmt.Errorf("%w: invalid max_phases %q", model.ErrInvalidInput, raw)
		}
		in.Database.MaxPhases = n
	}
	if src == model.SourceMP {
		mp := model.MPParams{MaxEAboveHull: model.DefaultMaxEAboveHull}
		if raw := strings.TrimSpace(r.FormValue("mp_experimental_only")); raw != "" {
			if mp.ExperimentalOnly, err = strconv.ParseBool(raw); err != nil {
				return in, fmt.Errorf("%w: invalid mp_experimental_only %q", model.ErrInvalidInput, raw)
			}
		}
		if raw := strings.TrimSpace(r.FormValue("mp_max_e_above_hull")); raw != "" {
			if mp.MaxEAboveHull, err = strconv.ParseFloat(raw, 64); err != nil {
				return in, fmt.Errorf("%w: invalid mp_max_e_above_hull %q", model.ErrInvalidInput, raw)
			}
		}
		in.Database.MP = &mp
	}
	return in, nil
}

func formValue(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return fallback
}

// parseElements decodes a JSON array of element symbols, fixing their case
// ("fe" -> "Fe"). An empty field is an empty list.
func parseElements(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: element fields must be JSON arrays of strings: %v", model.ErrInvalidInput, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = append(out, strings.ToUpper(it[:1])+strings.ToLower(it[1:]))
	}
	return out, nil
}

func (s Server) saveStructures(chemicalSystem string, files []*multipart.FileHeader) error {
	dirs, err := pipeline.PrepareWorkdirs(s.Workdir, chemicalSystem)
	if err != nil {
		return err
	}
	custom := blob.LocalFS{Root: dirs.CustomCIFs}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return err
		}
		_, err = custom.Put(blob.SafeName(fh.Filename), f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var f model.ListFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := model.ParseStatus(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		f.Status = &st
	}
	f.User = strings.TrimSpace(q.Get("user"))
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		f.Limit = value
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %s", raw))
			return
		}
		f.Offset = value
	}

	jobs, total, err := s.Jobs.ListSummaries(ctx, f)
	if err != nil {
		s.storeErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	detail, err := s.Jobs.LoadDetail(ctx, id)
	if err != nil {
		s.storeErr(ctx, w, err)
		return
	}
	if detail == nil {
		sum, err := s.Jobs.GetSummary(ctx, id)
		if err != nil {
			s.storeErr(ctx, w, err)
			return
		}
		detail = &model.JobDetail{Job: sum, Solutions: []model.SolutionResult{}}
	}
	writeJSON(w, http.StatusOK, detailResponse(*detail, s.BaseURL))
}

// detailResponse replaces on-disk archive locations with download URLs.
func detailResponse(detail model.JobDetail, baseURL string) model.JobDetail {
	sols := make([]model.SolutionResult, len(detail.Solutions))
	base := strings.TrimRight(baseURL, "/")
	for i, sol := range detail.Solutions {
		if sol.ReportZip != "" {
			sol.ReportZip = fmt.Sprintf("%s/api/jobs/%s/download/%d/zip", base, detail.Job.ID, sol.Index)
		}
		sols[i] = sol
	}
	detail.Solutions = sols
	return detail
}

func (s Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeErr(w, http.StatusNotFound, errors.New("solution not found"))
		return
	}
	detail, err := s.Jobs.LoadDetail(ctx, id)
	if err != nil {
		s.storeErr(ctx, w, err)
		return
	}
	if detail == nil {
		if _, err := s.Jobs.GetSummary(ctx, id); err != nil {
			s.storeErr(ctx, w, err)
			return
		}
		writeErr(w, http.StatusNotFound, errors.New("job detail not found"))
		return
	}

	var path string
	for _, sol := range detail.Solutions {
		if sol.Index == index {
			path = sol.ReportZip
			break
		}
	}
	if path == "" {
		writeErr(w, http.StatusNotFound, errors.New("solution not found"))
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeErr(w, http.StatusNotFound, errors.New("report file missing"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (s Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.Jobs.CountByStatus(ctx)
	if err != nil {
		s.storeErr(ctx, w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "total": total})
}

func (s Server) storeErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeErr(w, http.StatusNotFound, errors.New("job not found"))
	case errors.Is(err, model.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err)
	default:
		s.logger().ErrorContext(ctx, "store request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
