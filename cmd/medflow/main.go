// Package main provides the MedFlow ETL pipeline CLI.
//
// Two commands drive the two pipeline stages: "load" lands extract files
// from object storage into raw tables, "transform" moves completed raw
// rows into typed staging tables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/medflow-io/medflow/internal/config"
	"github.com/medflow-io/medflow/internal/extract"
	"github.com/medflow-io/medflow/internal/notify"
	"github.com/medflow-io/medflow/internal/objectstore"
	"github.com/medflow-io/medflow/internal/rawload"
	"github.com/medflow-io/medflow/internal/storage"
	"github.com/medflow-io/medflow/internal/transform"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "medflow"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(logger)
	if err != nil {
		logger.Error("Failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer app.close()

	switch args[0] {
	case "load":
		err = app.runLoad(ctx, args[1:])
	case "transform":
		err = app.runTransform(ctx, args[1:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		logger.Error("Command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type app struct {
	logger     *slog.Logger
	conn       *storage.Connection
	registry   *extract.Registry
	store      *objectstore.FilesystemStore
	ledger     *storage.FileLedger
	runs       *storage.RunStore
	batches    *storage.BatchLoader
	rejections *storage.RejectionStore
	notifier   *notify.Notifier
}

func newApp(logger *slog.Logger) (*app, error) {
	logger.Info("Starting MedFlow",
		slog.String("service", name),
		slog.String("version", version),
	)

	catalog, err := extract.LoadCatalogFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load extract catalog: %w", err)
	}

	registry, err := catalog.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("build handler registry: %w", err)
	}

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", storageConfig.MaxOpenConns),
	)

	store, err := objectstore.NewFilesystemStore(config.GetEnvStr("MEDFLOW_DATA_DIR", "./data"))
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	ledger, err := storage.NewFileLedger(conn)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	runs, err := storage.NewRunStore(conn)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	batches, err := storage.NewBatchLoader(conn, storageConfig)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	rejections, err := storage.NewRejectionStore(conn, batches)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	notifier := notify.NewNotifierFromEnv()
	if notifier != nil {
		logger.Info("Run event notifier enabled")
	}

	return &app{
		logger:     logger,
		conn:       conn,
		registry:   registry,
		store:      store,
		ledger:     ledger,
		runs:       runs,
		batches:    batches,
		rejections: rejections,
		notifier:   notifier,
	}, nil
}

func (a *app) close() {
	_ = a.notifier.Close()
	_ = a.conn.Close()
}

// runLoad lands the files named on the command line under a fresh load run.
// Each argument is bucket/key:extractType.
func (a *app) runLoad(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("load requires at least one bucket/key:extract-type argument")
	}

	files := make([]*extract.FileDescriptor, 0, len(args))

	for _, arg := range args {
		file, err := a.describeFile(ctx, arg)
		if err != nil {
			return err
		}

		files = append(files, file)
	}

	loader, err := rawload.NewLoader(rawload.LoadLoaderConfig(), a.registry, a.store, a.ledger, a.batches)
	if err != nil {
		return err
	}

	loadRunID, err := a.runs.CreateLoadRun(ctx, storage.TriggerManual)
	if err != nil {
		return err
	}

	a.logger.Info("Load run started",
		slog.String("load_run_id", loadRunID),
		slog.Int("files", len(files)),
	)

	opts := rawload.Options{ForceReload: config.GetEnvBool("MEDFLOW_FORCE_RELOAD", false)}

	results, loadErr := loader.LoadFiles(ctx, files, loadRunID, opts)

	var totalFiles, totalRows int64

	failed := false

	for _, res := range results {
		if res == nil {
			continue
		}

		if len(res.Errors) > 0 {
			failed = true
		}

		if !res.Skipped && len(res.Errors) == 0 {
			totalFiles++
			totalRows += res.TotalRows
		}

		printJSON(res)
	}

	status := storage.RunStatusCompleted

	switch {
	case ctx.Err() != nil:
		status = storage.RunStatusCancelled
	case failed || loadErr != nil:
		status = storage.RunStatusFailed
	}

	if err := a.runs.FinishLoadRun(ctx, loadRunID, status, totalFiles, totalRows, ""); err != nil {
		a.logger.Error("Failed to finish load run", slog.String("error", err.Error()))
	}

	eventType := notify.EventLoadRunCompleted
	if status != storage.RunStatusCompleted {
		eventType = notify.EventLoadRunFailed
	}

	a.notifier.Publish(ctx, notify.RunEvent{
		Type:      eventType,
		LoadRunID: loadRunID,
		RowCount:  totalRows,
	})

	if loadErr != nil {
		return loadErr
	}

	if failed {
		return fmt.Errorf("load run %s finished with errors", loadRunID)
	}

	return nil
}

// runTransform moves one extract's completed raw rows into staging:
// transform <load-run-id> <extract-type>.
func (a *app) runTransform(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("transform requires <load-run-id> <extract-type>")
	}

	loadRunID, extractType := args[0], args[1]

	handler, err := a.registry.Lookup(extractType)
	if err != nil {
		return err
	}

	engine := transform.NewEngine(transform.LoadEngineConfig())
	validator := transform.NewValidator(transform.LoadValidationConfig())

	transformer, err := transform.NewTransformer(
		transform.LoadTransformerConfig(),
		a.conn, a.batches, a.runs, a.ledger, a.rejections,
		engine, validator,
	)
	if err != nil {
		return err
	}

	opts := transform.TransformOptions{
		ForceReprocess: config.GetEnvBool("MEDFLOW_FORCE_REPROCESS", false),
	}

	result, err := transformer.TransformExtract(ctx, handler, loadRunID, opts)
	if result != nil {
		printJSON(result)
	}

	eventType := notify.EventStagingRunCompleted
	if err != nil {
		eventType = notify.EventStagingRunFailed
	}

	a.notifier.Publish(ctx, notify.RunEvent{
		Type:        eventType,
		LoadRunID:   loadRunID,
		ExtractType: extractType,
	})

	return err
}

// describeFile parses bucket/key:extractType and fills in the content hash
// by reading the object once.
func (a *app) describeFile(ctx context.Context, arg string) (*extract.FileDescriptor, error) {
	bucket, rest, ok := strings.Cut(arg, "/")
	if !ok {
		return nil, fmt.Errorf("invalid file argument %q, want bucket/key:extract-type", arg)
	}

	sep := strings.LastIndex(rest, ":")
	if sep <= 0 || sep == len(rest)-1 {
		return nil, fmt.Errorf("invalid file argument %q, want bucket/key:extract-type", arg)
	}

	key, extractType := rest[:sep], rest[sep+1:]

	file := &extract.FileDescriptor{
		Bucket:        bucket,
		Key:           key,
		ExtractType:   extractType,
		ExtractedDate: time.Now().UTC(),
	}

	rc, err := a.store.Open(ctx, file)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rc.Close()
	}()

	hash, err := extract.HashContent(rc)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", arg, err)
	}

	file.ContentHash = hash

	return file, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}

	_, _ = io.WriteString(os.Stdout, string(data)+"\n")
}

func printUsage() {
	fmt.Printf(`%s v%s - Healthcare extract ETL pipeline

USAGE:
    %s [OPTIONS] COMMAND [ARGS]

COMMANDS:
    load <bucket/key:extract-type> ...   Land extract files into raw tables
    transform <load-run-id> <extract-type>
                                         Transform completed raw rows into staging

OPTIONS:
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL             PostgreSQL connection string (REQUIRED)
    MEDFLOW_DATA_DIR         Object store root directory (default: ./data)
    MEDFLOW_EXTRACT_CATALOG  Extract catalog path (default: extracts.yaml)
    MEDFLOW_KAFKA_BROKERS    Enable run event publishing when set
    MEDFLOW_FORCE_RELOAD     Skip the idempotency check on load
    MEDFLOW_FORCE_REPROCESS  Ignore completed staging runs on transform
`, name, version, name)
}
