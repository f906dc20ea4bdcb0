// Command etabli runs the initiative pipeline stages and serves the API.
//
// Usage:
//
//	etabli [flags] serve                    # HTTP API (+ MCP on /mcp)
//	etabli [flags] infer                    # cluster raw items into initiative maps
//	etabli [flags] feed                     # enrich maps flagged for update
//	etabli [flags] ingest-initiatives       # republish the initiatives knowledge base
//	etabli [flags] ingest-tools             # republish the tools knowledge base
//	etabli [flags] refresh-knowledge        # republish knowledge bases that are due
//	etabli [flags] import-domains FILE      # upsert raw domains (NDJSON, "-" for stdin)
//	etabli [flags] import-repositories FILE # upsert raw repositories (NDJSON)
//	etabli [flags] import-tools FILE        # upsert the tools vocabulary (NDJSON)
//	etabli [flags] export                   # write live initiatives as NDJSON to stdout
//
// The Gemini API key is read from GEMINI_API_KEY only.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative"
)

var version = "dev"

func main() {
	configPath := flag.String("config", env("ETABLI_CONFIG", ""), "path to etabli.yaml config file")
	dbPath := flag.String("db", env("ETABLI_DB", "data/etabli.db"), "path to SQLite database")
	addr := flag.String("addr", env("ETABLI_ADDR", ":8080"), "listen address of serve")
	noMCP := flag.Bool("no-mcp", false, "do not expose MCP tools on /mcp")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, logger, *configPath, *dbPath, *addr, !*noMCP, flag.Args()); err != nil {
		logger.Error("etabli: fatal", "command", flag.Arg(0), "error_kind", faults.KindOf(err), "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: etabli [flags] serve|infer|feed|ingest-initiatives|ingest-tools|refresh-knowledge|import-domains FILE|import-repositories FILE|import-tools FILE|export\n\n")
	flag.PrintDefaults()
}

func run(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, configPath, dbPath, addr string, withMCP bool, args []string) error {
	cfg := &initiative.Config{}
	if configPath != "" {
		var err error
		if cfg, err = initiative.LoadConfigFile(configPath); err != nil {
			return err
		}
	}
	cfg.Model.APIKey = os.Getenv("GEMINI_API_KEY")

	db, err := initiative.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	svc, err := initiative.New(ctx, db, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	cmd := args[0]
	if cmd == "serve" {
		return serve(ctx, logger, svc, addr, withMCP)
	}
	go handleSignals(ctx, cancel, logger, svc)

	switch cmd {
	case "infer":
		return report(svc.InferInitiatives(ctx))
	case "feed":
		return report(svc.FeedInitiatives(ctx))
	case "ingest-initiatives":
		return report(svc.IngestInitiatives(ctx))
	case "ingest-tools":
		return report(svc.IngestTools(ctx))
	case "refresh-knowledge":
		return report(svc.RefreshKnowledge(ctx))
	case "import-domains":
		return importFile(ctx, args, svc.ImportRawDomains)
	case "import-repositories":
		return importFile(ctx, args, svc.ImportRawRepositories)
	case "import-tools":
		return importFile(ctx, args, svc.ImportTools)
	case "export":
		enc := json.NewEncoder(os.Stdout)
		return svc.ExportInitiatives(ctx, func(rec initiative.ExportRecord) error {
			return enc.Encode(rec)
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// handleSignals asks the running stage to stop after the current cluster
// on the first signal and cancels it on the second.
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, svc *initiative.Service) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
		return
	case s := <-sig:
		logger.Warn("etabli: signal received, finishing current item", "signal", s.String())
		svc.RequestShutdown()
	}
	select {
	case <-ctx.Done():
	case s := <-sig:
		logger.Warn("etabli: second signal, aborting", "signal", s.String())
		cancel()
	}
}

func serve(ctx context.Context, logger *slog.Logger, svc *initiative.Service, addr string, withMCP bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	if withMCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "etabli", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	}
	r.Mount("/", svc.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("etabli: listening", "addr", addr, "mcp", withMCP, "version", version)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("etabli: shutting down")
	svc.RequestShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func report[T any](v T, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func importFile(ctx context.Context, args []string, fn func(context.Context, io.Reader) (int, error)) error {
	if len(args) < 2 {
		return fmt.Errorf("%s: missing FILE argument", args[0])
	}
	var r io.Reader = os.Stdin
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	n, err := fn(ctx, r)
	slog.Info("etabli: imported", "command", args[0], "records", n)
	return err
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
