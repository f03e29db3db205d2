package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stepcast/stepcast/pkg/config"
	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/repository"
	"github.com/stepcast/stepcast/pkg/schemadb"
	"github.com/stepcast/stepcast/pkg/storage"
	"github.com/stepcast/stepcast/pkg/storage/manager"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: stepcast-store [flags] <command>

Commands:
  stats              Print stats for the active storage backend
  export             Write an area snapshot to stdout or -out
  import             Load an area snapshot from -in
  migrate            Migrate all data to the backend given by -to and switch
  db-export          Write the domain export (projects, test runs) to stdout or -out
  db-import          Load a domain export from -in

Flags:
`)
	flag.PrintDefaults()
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func main() {
	configFile := flag.String("config", "", "Optional YAML config file applied over the environment")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	outFile := flag.String("out", "", "Output file for export commands (default stdout)")
	inFile := flag.String("in", "", "Input file for import commands")
	merge := flag.Bool("merge", true, "Overwrite colliding keys on snapshot import")
	targetMode := flag.String("to", "", "Target backend for migrate (redis, sqlite, memory)")
	timeout := flag.Duration("timeout", 30*time.Second, "Command timeout")
	flag.Usage = usage
	flag.Parse()

	logger := setupLogger(*logLevel)
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfigFile(*configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	obsLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	switch command {
	case "stats", "export", "import", "migrate":
		err = runStorageCommand(ctx, command, cfg, obsLogger, metrics, storageArgs{
			outFile:    *outFile,
			inFile:     *inFile,
			merge:      *merge,
			targetMode: *targetMode,
		}, logger)
	case "db-export", "db-import":
		err = runDomainCommand(ctx, command, cfg, obsLogger, *outFile, *inFile, logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("Command %s failed: %v", command, err)
	}
}

type storageArgs struct {
	outFile    string
	inFile     string
	merge      bool
	targetMode string
}

func runStorageCommand(ctx context.Context, command string, cfg *config.Config, obsLogger *observability.Logger, metrics *observability.Metrics, args storageArgs, logger *logrus.Logger) error {
	mgr := manager.New(manager.Options{
		Config:  cfg.Storage,
		Logger:  obsLogger,
		Metrics: metrics,
	})
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer mgr.Close()
	logger.Infof("Using %s backend", mgr.Name())

	switch command {
	case "stats":
		stats, err := mgr.Stats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(args.outFile, stats)

	case "export":
		snap, err := mgr.Export(ctx)
		if err != nil {
			return err
		}
		return writeJSON(args.outFile, snap)

	case "import":
		if args.inFile == "" {
			return fmt.Errorf("import requires -in")
		}
		data, err := os.ReadFile(args.inFile)
		if err != nil {
			return err
		}
		snap, err := storage.DecodeSnapshot(data)
		if err != nil {
			return err
		}
		result, err := mgr.Import(ctx, snap, args.merge)
		if err != nil {
			return err
		}
		logger.Infof("Imported %d entries (%d overwritten, %d skipped)",
			result.Imported, result.Overwritten, len(result.Skipped))
		return nil

	case "migrate":
		mode := storage.Mode(args.targetMode)
		if !mode.Valid() || mode == storage.ModeAuto {
			return fmt.Errorf("migrate requires -to with one of redis, sqlite, memory")
		}
		report, err := mgr.MigrateAndSwitch(ctx, mode)
		if report != nil {
			logger.Infof("Migration copied %d entries, %d failed", report.Copied, report.Failed)
			for _, msg := range report.Errors {
				logger.Warnf("  %s", msg)
			}
		}
		return err
	}
	return fmt.Errorf("unknown command %q", command)
}

func runDomainCommand(ctx context.Context, command string, cfg *config.Config, obsLogger *observability.Logger, outFile, inFile string, logger *logrus.Logger) error {
	db, err := schemadb.Open(ctx, cfg.DatabasePath, obsLogger)
	if err != nil {
		return fmt.Errorf("open domain database: %w", err)
	}
	defer db.Close()

	switch command {
	case "db-export":
		export, err := repository.Export(ctx, db)
		if err != nil {
			return err
		}
		return writeJSON(outFile, export)

	case "db-import":
		if inFile == "" {
			return fmt.Errorf("db-import requires -in")
		}
		data, err := os.ReadFile(inFile)
		if err != nil {
			return err
		}
		summary, err := repository.Import(ctx, db, data)
		if err != nil {
			return err
		}
		logger.Infof("Imported %d projects and %d test runs", summary.Projects, summary.TestRuns)
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
