package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shehackedyou/lookahead"
)

// Set at build time
var version = "dev"

func main() {
	// --- Flag Definitions ---
	filePath := flag.String("file", "", "Path to the file to complete in (required)")
	line := flag.Int("line", 0, "Line number (1-based); used with -col")
	col := flag.Int("col", 0, "Column number (1-based, bytes); used with -line")
	offset := flag.Int("offset", -1, "Byte offset of the caret; overrides -line/-col")
	auto := flag.Bool("auto", false, "Simulate an auto-popup instead of an explicit invocation")
	count := flag.Int("count", 0, "Invocation count (2+ widens the candidate set)")
	limit := flag.Int("limit", 20, "Maximum number of candidates to print")
	dispatch := flag.String("dispatch", "", "Dispatch mode (sync, async) - overrides config")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")
	flag.Parse()

	// --- Setup Temporary Logger for Initialization ---
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	engine, initErr := lookahead.NewEngine(context.Background(), tempLogger)
	if initErr != nil && !errors.Is(initErr, lookahead.ErrConfig) {
		tempLogger.Error("Fatal error initializing completion engine", "error", initErr)
		os.Exit(1)
	}
	if engine == nil {
		tempLogger.Error("Engine initialization returned nil unexpectedly")
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("Error closing engine", "error", err)
		}
	}()

	// --- Setup Final Logger based on Flag/Config ---
	cfg := engine.GetCurrentConfig()
	chosenLogLevelStr := cfg.LogLevel
	if *logLevelFlag != "" {
		chosenLogLevelStr = *logLevelFlag
	}
	logLevel, parseLevelErr := lookahead.ParseLogLevel(chosenLogLevelStr)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLogLevelStr, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	finalLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(finalLogger)
	slog.Debug("Lookahead CLI starting", "version", version, "effective_log_level", logLevel.String())
	if initErr != nil {
		slog.Warn("Engine initialized with configuration warnings", "error", initErr)
	}

	if *dispatch != "" {
		cfg.DispatchMode = *dispatch
		if err := engine.UpdateConfig(cfg); err != nil {
			slog.Error("Invalid -dispatch value", "value", *dispatch, "error", err)
			os.Exit(1)
		}
	}

	// --- Input Validation ---
	if *filePath == "" {
		slog.Error("Missing required flag: -file")
		flag.Usage()
		os.Exit(1)
	}
	absPath, pathErr := lookahead.ValidateAndGetFilePath(*filePath, finalLogger)
	if pathErr != nil {
		slog.Error("Invalid file path provided via -file flag", "path", *filePath, "error", pathErr)
		os.Exit(1)
	}
	content, readErr := os.ReadFile(absPath)
	if readErr != nil {
		slog.Error("Cannot read file provided via -file flag", "path", absPath, "error", readErr)
		os.Exit(1)
	}
	text := string(content)
	caret := *offset
	if caret < 0 {
		var posErr error
		if caret, posErr = lookahead.OffsetForLineCol(text, *line, *col); posErr != nil {
			slog.Error("Invalid caret position", "line", *line, "col", *col, "error", posErr)
			flag.Usage()
			os.Exit(1)
		}
	} else if caret > len(text) {
		slog.Error("Offset beyond end of file", "offset", caret, "size", len(text))
		os.Exit(1)
	}

	// --- Execute Command ---
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	surface := lookahead.NewMemorySurface(absPath, text, caret)
	view := lookahead.NewChannelView(64)
	controller := engine.NewController(view, lookahead.ControllerOptions{})
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			slog.Error("Controller stopped", "error", err)
		}
	}()

	spinner := lookahead.NewSpinner()
	spinner.Start("Collecting candidates...")
	out, err := controller.Invoke(ctx, lookahead.Invocation{Surface: surface, Explicit: !*auto, Time: *count})
	if err != nil {
		spinner.Stop()
		slog.Error("Completion failed", "error", err)
		os.Exit(1)
	}
	list, hint := out.List, out.Hint
	if out.Incomplete {
		spinner.UpdateMessage("Waiting for background providers...")
		list, hint = waitForList(ctx, controller, view, list, hint)
	}
	spinner.Stop()

	if out.Inserted != nil {
		lookahead.ColorGreen.Fprintf(os.Stdout, "inserted %s", out.Inserted.Text)
		fmt.Fprintln(os.Stdout)
		return
	}
	if hint != "" {
		lookahead.PrettyPrint(lookahead.ColorYellow, hint+"\n")
	}
	printList(list, *limit)
	for _, ad := range list.Advertisements {
		lookahead.PrettyPrint(lookahead.ColorFaint, ad+"\n")
	}
}

// waitForList follows view updates until the session leaves background computation.
func waitForList(ctx context.Context, controller *lookahead.Controller, view *lookahead.ChannelView, list lookahead.RankedList, hint string) (lookahead.RankedList, string) {
	apply := func(ev lookahead.ViewEvent) {
		switch ev.Kind {
		case lookahead.ViewShow, lookahead.ViewRefresh:
			list = ev.List
		case lookahead.ViewHint:
			hint = ev.Hint
		}
	}
	for {
		select {
		case ev := <-view.Events():
			apply(ev)
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return list, hint
		}
		phase, err := controller.Phase(ctx)
		if err != nil {
			return list, hint
		}
		if phase.Tag != lookahead.PhaseBackgroundComputing && phase.Tag != lookahead.PhaseCommittingInputs {
			for {
				select {
				case ev := <-view.Events():
					apply(ev)
				default:
					return list, hint
				}
			}
		}
	}
}

func printList(list lookahead.RankedList, limit int) {
	for i, c := range list.Items {
		if limit > 0 && i >= limit {
			lookahead.PrettyPrint(lookahead.ColorFaint, fmt.Sprintf("... %d more\n", len(list.Items)-limit))
			return
		}
		marker := "  "
		textColor := lookahead.ColorBlue
		if i == list.Selected {
			marker = "> "
			textColor = lookahead.ColorGreen
		}
		fmt.Fprint(os.Stdout, marker)
		textColor.Fprint(os.Stdout, c.Text)
		if c.Detail != "" {
			lookahead.ColorFaint.Fprintf(os.Stdout, "  %s", c.Detail)
		}
		lookahead.ColorCyan.Fprintf(os.Stdout, "  [%s]", c.Source)
		fmt.Fprintln(os.Stdout)
	}
}
