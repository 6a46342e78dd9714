package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/eargollo/hashguard/internal/api"
	"github.com/eargollo/hashguard/internal/config"
	"github.com/eargollo/hashguard/internal/console"
	"github.com/eargollo/hashguard/internal/db"
	"github.com/eargollo/hashguard/internal/jobs"
	"github.com/eargollo/hashguard/internal/progress"
	"github.com/eargollo/hashguard/internal/quarantine"
	"github.com/eargollo/hashguard/internal/scan"
	"github.com/eargollo/hashguard/internal/scheduler"
	"github.com/eargollo/hashguard/internal/signatures"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

// Exit codes for the scan command: 0 clean, 1 signatures matched, 2 error.
const (
	exitClean   = 0
	exitMatched = 1
	exitError   = 2
)

const usage = `usage: hashguard [-config path] [command]

commands:
  serve         run the HTTP API and scheduled jobs (default)
  update        replace the signature set from signatures_dir
  scan <root>   scan a directory tree and report matching files
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(exitError)
	}

	// Re-configure logging with the level from config.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var code int
	switch cmd {
	case "serve":
		code = runServe(ctx, cfg)
	case "update":
		code = runUpdate(ctx, cfg)
	case "scan":
		if len(args) != 1 {
			flag.Usage()
			os.Exit(exitError)
		}
		code = runScan(ctx, cfg, args[0])
	default:
		flag.Usage()
		code = exitError
	}
	os.Exit(code)
}

// app holds the components every command opens.
type app struct {
	db    *sql.DB
	store *signatures.Store
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := signatures.New(ctx, database, signatures.Options{
		LockPath:    cfg.DBPath + ".update.lock",
		LockTimeout: cfg.LockTimeout,
		BatchSize:   cfg.BatchSize,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open signature store: %w", err)
	}
	return &app{db: database, store: store}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.db.Close()
}

func sessionOptions(cfg *config.Config, c *console.Console) scan.SessionOptions {
	policy, _ := scan.ParseLookupPolicy(cfg.LookupFailure)
	return scan.SessionOptions{
		Budget:       scan.DefaultBudget(cfg.Memory.Fraction, cfg.Memory.MinBytes, cfg.Memory.MaxBytes),
		LookupPolicy: policy,
		Console:      c,
		SkipDirs:     []string{cfg.Quarantine.Dir},
	}
}

func signatureSource(cfg *config.Config) signatures.RecordSource {
	return signatures.DirSource{Dir: cfg.SignaturesDir, BatchSize: cfg.BatchSize}
}

func runUpdate(ctx context.Context, cfg *config.Config) int {
	a, err := openApp(ctx, cfg)
	if err != nil {
		slog.Error("startup", "error", err)
		return exitError
	}
	defer a.Close()

	sink := progress.SinkFunc(func(e progress.Event) {
		slog.Info("signature update", "step", e.Name, "detail", e.Payload)
	})
	n, err := a.store.UpdateAll(ctx, signatureSource(cfg), sink)
	if err != nil {
		slog.Error("signature update failed", "error", err)
		return exitError
	}
	fmt.Printf("%d signatures loaded\n", n)
	return exitClean
}

func runScan(ctx context.Context, cfg *config.Config, root string) int {
	abs, err := filepath.Abs(root)
	if err != nil {
		slog.Error("resolve scan root", "root", root, "error", err)
		return exitError
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		slog.Error("startup", "error", err)
		return exitError
	}
	defer a.Close()

	_, sum, err := scan.Run(ctx, a.db, a.store, abs, "cli", sessionOptions(cfg, console.New(os.Stdout)))
	if err != nil {
		slog.Error("scan failed", "root", abs, "error", err)
		return exitError
	}

	fmt.Printf("analyzed %d, skipped %d, matched %d in %s\n",
		sum.Analyzed, sum.Skipped, sum.Matched, sum.Elapsed.Round(time.Millisecond))
	for _, p := range sum.MatchedPaths {
		fmt.Println(p)
	}
	if sum.Matched > 0 {
		return exitMatched
	}
	return exitClean
}

func runServe(ctx context.Context, cfg *config.Config) int {
	slog.Info("hashguard starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"scan_paths", cfg.ScanPaths)

	a, err := openApp(ctx, cfg)
	if err != nil {
		slog.Error("startup", "error", err)
		return exitError
	}
	defer a.Close()

	// Mark any scans that were 'running' when the last process exited as failed.
	if err := scan.MarkStaleScansFailed(ctx, a.db); err != nil {
		slog.Warn("mark stale scans", "error", err)
	}

	q := quarantine.New(a.db, cfg.Quarantine.Dir, cfg.Quarantine.RetentionDays)
	opts := jobs.Options{Session: sessionOptions(cfg, nil)}
	if cfg.Quarantine.Auto {
		opts.Quarantine = q
	}
	mgr := jobs.NewManager(a.db, a.store, signatureSource(cfg), opts)

	sched := scheduler.New()
	if err := sched.SetJob("update", cfg.UpdateSchedule, func() {
		slog.Info("scheduled signature update triggered")
		if _, err := mgr.StartUpdate(ctx, "schedule"); err != nil {
			slog.Warn("scheduled update start", "error", err)
		}
	}); err != nil {
		slog.Warn("invalid cron expression", "job", "update", "error", err)
	}
	if !cfg.ScanPaused && len(cfg.ScanPaths) > 0 {
		if err := sched.SetJob("scan", cfg.ScanSchedule, func() {
			runScheduledScans(ctx, mgr, cfg.ScanPaths)
		}); err != nil {
			slog.Warn("invalid cron expression", "job", "scan", "error", err)
		}
	}
	if err := sched.SetJob("purge", "0 * * * *", func() {
		if _, err := q.PurgeExpired(ctx); err != nil {
			slog.Error("quarantine purge failed", "error", err)
		}
	}); err != nil {
		slog.Warn("failed to register purge job", "error", err)
	}

	sched.Start()
	defer sched.Stop()

	srv := api.New(cfg.HTTPAddr, api.Deps{
		DB:         a.db,
		Config:     cfg,
		Store:      a.store,
		Jobs:       mgr,
		Quarantine: q,
		Sched:      sched,
		Version:    version,
	})
	code := exitClean
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		code = exitError
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("running job did not stop in time", "error", err)
	}
	slog.Info("hashguard stopped")
	return code
}

// runScheduledScans scans each configured root in turn. The manager runs one
// job at a time, so each scan must finish before the next starts.
func runScheduledScans(ctx context.Context, mgr *jobs.Manager, roots []string) {
	for _, root := range roots {
		if ctx.Err() != nil {
			return
		}
		slog.Info("scheduled scan triggered", "root", root)
		job, err := mgr.StartScan(ctx, root, "schedule")
		if err != nil {
			slog.Warn("scheduled scan start", "root", root, "error", err)
			return
		}
		<-job.Done()
	}
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
