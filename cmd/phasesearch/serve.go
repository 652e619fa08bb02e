package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/phasesearch/internal/blob"
	"github.com/example/phasesearch/internal/config"
	"github.com/example/phasesearch/internal/httpapi"
	"github.com/example/phasesearch/internal/log"
	"github.com/example/phasesearch/internal/pipeline"
	"github.com/example/phasesearch/internal/pipeline/index"
	"github.com/example/phasesearch/internal/pipeline/search"
	"github.com/example/phasesearch/internal/store"
	"github.com/example/phasesearch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var flagWithWorker bool // value of --with-worker flag

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the submission API",
	RunE:  doServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "process queued jobs one at a time",
	RunE:  doWorker,
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir data dir: %w", err)
		}
		return store.Open(cfg.DBPath)
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("phasesearch",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	jobs, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close()

	server := httpapi.Server{
		Uploads: blob.LocalFS{Root: cfg.UploadsDir},
		Jobs:    jobs,
		Workdir: cfg.Workdir,
		BaseURL: cfg.BaseURL,
		Logger:  slog.Default(),
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "API listening", "addr", cfg.Addr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if flagWithWorker {
		g.Go(func() error { return superviseWorker(ctx) })
	}
	return g.Wait()
}

// superviseWorker runs the worker subcommand as a child process. The child
// gets SIGTERM when ctx ends so it can close out the job it is running.
func superviseWorker(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker"}
	if flagVerbose {
		args = append(args, "--verbose")
	}
	child := exec.CommandContext(ctx, self, args...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Cancel = func() error { return child.Process.Signal(os.Interrupt) }
	child.WaitDelay = shutdownTimeout

	slog.InfoContext(ctx, "starting worker process", "path", self)
	err = child.Run()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("worker process exited: %w", err)
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("phasesearch",
		slog.String("cmd", "worker"),
		slog.Int("pid", os.Getpid()),
	))
	logger := slog.Default()

	searcher, err := search.New(cfg.SearchCmd, logger)
	if err != nil {
		return fmt.Errorf("PHASESEARCH_SEARCH_CMD: %w", err)
	}
	jobs, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close()

	p := pipeline.New(cfg.Workdir, cfg.IndexesDir, index.SQLiteFilter{}, searcher, logger)
	w := worker.New(jobs, p,
		worker.WithInterval(cfg.PollInterval),
		worker.WithJobTimeout(cfg.JobTimeout),
		worker.WithLogger(logger),
	)
	return w.Run(ctx)
}
