package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/phasesearch/internal/config"
	"github.com/example/phasesearch/internal/log"
)

var (
	cfg config.Config

	flagVerbose bool // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	serveCmd.Flags().BoolVar(&flagWithWorker, "with-worker", false, "also run a worker process next to the API")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initPhaseSearch

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("phasesearch failed", "err", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "phasesearch",
	Short:        "XRD phase search job queue",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("phasesearch: version info not available")
			return
		}
		fmt.Printf("phasesearch: %s\n", info.Main.Version)
		fmt.Printf("go:          %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:      %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:        %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:       %s\n", s.Value)
			}
		}
	},
}

func initPhaseSearch(cmd *cobra.Command, _ []string) error {
	loadDotEnv()
	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	slog.SetDefault(log.New(cfg.Verbose))
	return nil
}

// loadDotEnv loads the closest .env file from the working directory or up
// to four of its parents. Variables already set win.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for range 5 {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
