package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dream-ai/docrag/config"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docrag",
		Usage: "Document ingestion and hybrid retrieval over Postgres",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default ~/.docrag/config.yaml)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text, json)",
			},
			&cli.Int64Flag{
				Name:    "tenant",
				Aliases: []string{"t"},
				Usage:   "Tenant ID",
				Value:   1,
				EnvVars: []string{"DOCRAG_TENANT"},
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create the schema if it is missing",
				Action: migrateCommand,
			},
			{
				Name:   "worker",
				Usage:  "Run ingestion workers until interrupted",
				Action: workerCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of independent worker loops (default from config)",
					},
				},
			},
			{
				Name:      "upload",
				Usage:     "Store a file and queue it for ingestion",
				ArgsUsage: "<file>",
				Action:    uploadCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Document title (defaults to the file name)"},
					&cli.StringFlag{Name: "mime", Usage: "MIME type (detected when empty)"},
					&cli.Int64Flag{Name: "doc", Usage: "Add a new version to this existing document"},
					&cli.Int64Flag{Name: "owner", Usage: "Owner user ID"},
				},
			},
			{
				Name:      "process",
				Usage:     "Ingest a document synchronously",
				ArgsUsage: "<doc-id>",
				Action:    processCommand,
			},
			{
				Name:      "enqueue",
				Usage:     "Queue a document for ingestion",
				ArgsUsage: "<doc-id>",
				Action:    enqueueCommand,
			},
			{
				Name:      "job",
				Usage:     "Show an ingestion job",
				ArgsUsage: "<job-id>",
				Action:    jobCommand,
			},
			{
				Name:   "documents",
				Usage:  "List the tenant's documents",
				Action: documentsCommand,
			},
			{
				Name:      "search",
				Usage:     "Hybrid vector and full-text search",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "k-vec", Usage: "Vector candidates (default from config)"},
					&cli.IntFlag{Name: "k-text", Usage: "Text candidates (default from config)"},
					&cli.Float64Flag{Name: "alpha", Usage: "Vector weight in [0,1] (default from config)"},
					&cli.BoolFlag{Name: "no-text", Usage: "Skip full-text search"},
					&cli.Int64SliceFlag{Name: "doc", Usage: "Restrict to these document IDs"},
					&cli.BoolFlag{Name: "context", Usage: "Print cited context blocks instead of a table"},
					&cli.IntFlag{Name: "context-chars", Usage: "Per-chunk limit for --context", Value: 1200},
				},
			},
			{
				Name:      "chunks",
				Usage:     "Print chunks by ID",
				ArgsUsage: "<chunk-id>...",
				Action:    chunksCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "max-chars", Usage: "Truncate each chunk (200-10000)", Value: 2000},
				},
			},
			{
				Name:   "models",
				Usage:  "List local Ollama models",
				Action: modelsCommand,
			},
		},
	}
}

// setup loads the config and installs the default logger
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func newLogger(levelStr, format string) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
	}
}

func configFrom(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}
