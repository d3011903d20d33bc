package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/cmdsink/internal/api"
	"github.com/mattjoyce/cmdsink/internal/config"
	"github.com/mattjoyce/cmdsink/internal/events"
	"github.com/mattjoyce/cmdsink/internal/input"
	"github.com/mattjoyce/cmdsink/internal/ledger"
	"github.com/mattjoyce/cmdsink/internal/lock"
	"github.com/mattjoyce/cmdsink/internal/log"
	"github.com/mattjoyce/cmdsink/internal/pipeline"
	"github.com/mattjoyce/cmdsink/internal/storage"
)

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	tasks := fs.Int("tasks", 0, "Override exec.tasks")
	jsonOut := fs.Bool("json", false, "Print the run result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *tasks < 0 {
		fmt.Fprintln(os.Stderr, "Failed to parse flags: --tasks must not be negative")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *tasks > 0 {
		cfg.Exec.Tasks = *tasks
	}

	inputs := fs.Args()
	if len(inputs) == 0 {
		inputs = cfg.Input.Paths
	}
	if len(inputs) == 0 {
		inputs = []string{input.StdinPath}
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("cmdsink starting", "version", version, "config", cfg.SourcePath, "tasks", cfg.Exec.Tasks)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire ledger lock (another run may be in progress)", "path", lockPath, "error", err)
		fmt.Fprintf(os.Stderr, "Failed to acquire ledger lock: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open ledger", "path", cfg.State.Path, "error", err)
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		return 1
	}
	defer db.Close()

	runs := ledger.New(db)
	hub := events.NewHub(256)

	apiDone := make(chan error, 1)
	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen: cfg.API.Listen,
			Tokens: cfg.API.Tokens,
		}, runs, hub, log.WithComponent("api"))
		go func() { apiDone <- server.Start(apiCtx) }()
		logger.Info("API server enabled", "listen", cfg.API.Listen, "auth", len(cfg.API.Tokens) > 0)
	} else {
		apiDone <- nil
	}

	runner := pipeline.New(
		pipeline.WithLedger(runs),
		pipeline.WithPublisher(hub),
	)
	result, runErr := runner.Transaction(ctx, pipeline.Plan{
		Output:     cfg.Output.SinkConfig(),
		Tasks:      cfg.Exec.Tasks,
		Inputs:     inputs,
		SplitBytes: cfg.Input.SplitBytes,
		BufferSize: cfg.Input.BufferSize,
		ConfigPath: cfg.SourcePath,
	})

	stopAPI()
	if err := <-apiDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("API server stopped with error", "error", err)
	}

	if result != nil {
		if *jsonOut {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to render result JSON: %v\n", err)
				return 1
			}
			fmt.Println(string(data))
		} else {
			fmt.Printf("run %s: %d files, %d bytes in %s\n", result.RunID, result.Files, result.Bytes, result.Duration.Round(time.Millisecond))
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Failed to run: %v\n", runErr)
		return 1
	}
	return 0
}

// loadConfig loads configPath, or the discovered config when it is empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}
