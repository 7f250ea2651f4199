package main

import (
	"context"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shehackedyou/lookahead"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

func main() {
	// --- Basic Setup ---
	logFile := &lumberjack.Logger{
		Filename:   "lookahead-lsp.log",
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	defer logFile.Close()
	logWriter := io.MultiWriter(os.Stderr, logFile)

	// --- Setup Temporary Logger for Initialization ---
	tempLogger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// --- Initialize Core Service ---
	engine, initErr := lookahead.NewEngine(context.Background(), tempLogger)
	if initErr != nil {
		tempLogger.Error("Failed to initialize completion engine", "error", initErr)
		if !errors.Is(initErr, lookahead.ErrConfig) || engine == nil {
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing completion engine...")
		if err := engine.Close(); err != nil {
			slog.Error("Error closing engine", "error", err)
		}
	}()

	// --- Setup Global Logger ---
	initialConfig := engine.GetCurrentConfig()
	logLevel, parseLevelErr := lookahead.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel)
	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Lookahead LSP server starting...", "version", appVersion, "log_level", logLevel.String())
	if initErr != nil {
		slog.Warn("Engine initialized with configuration warnings", "error", initErr)
	}

	// --- Setup Profiling & Metrics ---
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	slog.Info("Enabled block and mutex profiling")
	lookahead.RegisterMetrics(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	startDebugServer()

	// --- Initialize and Run LSP Server ---
	lspServer := lookahead.NewServer(engine, logger, levelVar, appVersion)
	lspServer.Run(os.Stdin, os.Stdout)

	slog.Info("LSP server has shut down gracefully.")
}

// startDebugServer starts the HTTP server for pprof, expvar and Prometheus metrics.
func startDebugServer() {
	debugListenAddr := "localhost:6061"
	go func() {
		slog.Info("Starting debug server for pprof/expvar/metrics", "addr", debugListenAddr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/cmdline", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/profile", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/symbol", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/trace", http.DefaultServeMux.ServeHTTP)
		debugMux.Handle("/debug/vars", expvar.Handler())
		debugMux.Handle("/metrics", promhttp.HandlerFor(lookahead.Registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(debugListenAddr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
