// Package main provides the command-line runner for mtsim scenarios.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/mtsim/scenario"
	"github.com/sarchlab/mtsim/timing/core"
)

var (
	scenarioArg = flag.String("scenario", "round_robin", "Built-in scenario name or path to a scenario YAML file")
	configPath  = flag.String("config", "", "Path to a core configuration JSON or YAML file, replaces the scenario's")
	cycles      = flag.Uint64("cycles", 0, "Number of cycles to run (0 keeps the scenario's)")
	verbose     = flag.Bool("v", false, "Verbose output")
	tracePath   = flag.String("trace", "", "Write the per-cycle trace and results to this JSON or YAML file")
	progress    = flag.Bool("progress", false, "Show a progress bar")
	list        = flag.Bool("list", false, "List the built-in scenarios and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mtsim [options]\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *list {
		for _, s := range scenario.Builtins() {
			fmt.Printf("%-20s %s\n", s.Name, s.Description)
		}
		return
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, w io.Writer) error {
	s, err := loadScenario(*scenarioArg)
	if err != nil {
		return err
	}

	if *configPath != "" {
		config, err := core.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		s.Config = *config
	}

	opts := []scenario.Option{scenario.WithLogger(logger)}
	if *cycles > 0 {
		s.Cycles = *cycles
	}
	if *tracePath != "" {
		opts = append(opts, scenario.WithTrace())
	}

	var bar *progressbar.ProgressBar
	if *progress {
		bar = progressbar.Default(int64(s.Cycles), s.Name)
		opts = append(opts, scenario.WithObserver(func(core.CycleOutput) {
			_ = bar.Add(1)
		}))
	}

	logger.Info("running scenario", "name", s.Name, "cycles", s.Cycles,
		"threads", s.Config.NumThreads)

	result, err := scenario.Run(s, opts...)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	report(w, s, result)

	if *tracePath != "" {
		if err := writeResult(*tracePath, result); err != nil {
			return err
		}
		logger.Info("trace written", "path", *tracePath, "entries", len(result.Trace))
	}

	return nil
}

// loadScenario treats arg as a built-in name unless it looks like a file.
func loadScenario(arg string) (*scenario.Scenario, error) {
	if strings.ContainsAny(arg, `/\`) || strings.HasSuffix(arg, ".yaml") || strings.HasSuffix(arg, ".yml") {
		return scenario.Load(arg)
	}
	return scenario.Builtin(arg)
}

func report(w io.Writer, s *scenario.Scenario, r *scenario.Result) {
	stats := r.Stats

	fmt.Fprintf(w, "\nScenario: %s\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(w, "  %s\n", s.Description)
	}
	fmt.Fprintf(w, "\nCycles:            %d\n", stats.Cycles)
	fmt.Fprintf(w, "Instructions:      %d\n", stats.Instructions)
	fmt.Fprintf(w, "Idle cycles:       %d\n", stats.IdleCycles)
	fmt.Fprintf(w, "Thread switches:   %d\n", stats.ThreadSwitches)
	fmt.Fprintf(w, "Context switches:  %d\n", stats.ContextSwitches)
	fmt.Fprintf(w, "CSR pass-through:  %d\n", stats.CSRPassThrough)
	fmt.Fprintf(w, "CSR errors:        %d\n", stats.CSRErrors)
	fmt.Fprintf(w, "Monitor wakeups:   %d\n", stats.Wakeups)
	fmt.Fprintf(w, "Simulated time:    %.3f us\n", r.SimulatedSeconds*1e6)
	fmt.Fprintf(w, "Wall time:         %v\n", r.WallTime)

	fmt.Fprintf(w, "\n%-4s %-6s %10s %12s %9s %8s\n", "TID", "VALID", "CYCLES", "INSTRUCTIONS", "SWITCHES", "IPC")
	for _, t := range r.Threads {
		ipc := 0.0
		if t.Cycles > 0 {
			ipc = float64(t.Instructions) / float64(t.Cycles)
		}
		fmt.Fprintf(w, "%-4d %-6t %10d %12d %9d %8.3f\n",
			t.TID, t.Valid, t.Cycles, t.Instructions, t.Switches, ipc)
	}

	for _, o := range r.Observations {
		line := fmt.Sprintf("cycle %d: t%d %s %s = 0x%x", o.Cycle, o.TID, o.Type, o.Target, o.Value)
		if o.Err != "" {
			line += " (" + o.Err + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func writeResult(path string, r *scenario.Result) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(r)
	default:
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode trace: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}

	return nil
}
