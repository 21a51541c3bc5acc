package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"boxguard/internal/cli/repl"
	"boxguard/internal/sandbox/config"
	"boxguard/internal/sandbox/engine"
	"boxguard/internal/sandbox/manager"
	"boxguard/pkg/utils/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search standard locations)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "console", "Log format: json, console")
	logOutput := flag.String("log-output", "stdout", "Log output path")
	simulate := flag.Bool("simulate", false, "Force the simulation engine")
	pretty := flag.Bool("pretty", false, "Pretty print JSON output")
	flag.Parse()

	if err := logger.Init(logger.Config{
		Level:      *logLevel,
		Format:     *logFormat,
		OutputPath: *logOutput,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}

	ctx := context.Background()
	store := config.NewStore(config.DefaultSearchPaths)
	cfg, err := store.Load(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return
	}
	if cfg.Monitoring.LogLevel != "" && *logLevel == "info" {
		_ = logger.Init(logger.Config{
			Level:      cfg.Monitoring.LogLevel,
			Format:     *logFormat,
			OutputPath: *logOutput,
		})
	}

	opts := manager.Options{Config: cfg}
	if *simulate {
		opts.Engine = engine.NewSimulated()
	}
	mgr := manager.New(opts)
	mgr.StartMonitor()
	defer mgr.Shutdown(ctx)

	session := repl.New(mgr, *pretty)
	session.Run(ctx)
}
