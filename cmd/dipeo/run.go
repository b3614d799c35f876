package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dipeo/dipeo/common/bootstrap"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/execution"
	"github.com/dipeo/dipeo/common/models"
)

func cmdRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	timeout := fs.Duration("timeout", 0, "execution timeout (0 uses ENGINE_EXECUTION_TIMEOUT)")
	inputsPath := fs.String("inputs", "", "path to a JSON or YAML file with input variables")
	inputData := fs.String("input-data", "", "inline JSON object with input variables")
	format := fs.String("format", "", "diagram format: light, native, readable (default: sniff)")
	debug := fs.Bool("debug", false, "log per-step progress")
	simple := fs.Bool("simple", false, "print only the terminal status line")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dipeo run [flags] <diagram>")
		return 2
	}
	path := fs.Arg(0)

	d, err := diagram.Load(path, diagram.Format(*format))
	if err != nil {
		return fail(err)
	}

	variables, err := loadVariables(*inputsPath, *inputData)
	if err != nil {
		return fail(err)
	}
	for k, v := range d.Variables {
		if _, ok := variables[k]; !ok {
			variables[k] = v
		}
	}

	c, err := bootstrap.Setup(ctx, "dipeo")
	if err != nil {
		return fail(err)
	}
	defer c.Shutdown(ctx)

	runTimeout := *timeout
	if runTimeout <= 0 {
		runTimeout = c.Config.Engine.ExecutionTimeout
	}

	started := time.Now()
	state, runErr := c.UseCase.Execute(ctx, d, execution.Options{
		ExecutionID:       c.Config.Service.ExecutionID,
		Timeout:           runTimeout,
		Variables:         variables,
		Debug:             *debug,
		MaxConcurrent:     c.Config.Engine.MaxConcurrent,
		DiagramSourcePath: path,
	})
	if state == nil {
		return fail(runErr)
	}

	if *simple {
		fmt.Printf("%s %s (%s)\n", state.ID, state.Status, time.Since(started).Round(time.Millisecond))
	} else {
		printRunReport(state, runErr)
	}

	if c.Config.Service.TimingEnabled && c.Metrics != nil {
		if summary, ok := c.Metrics.GetMetricsSummary(state.ID); ok {
			fmt.Printf("timing: total=%dms critical_path=%v\n", summary.TotalDurationMS, summary.CriticalPath)
		}
	}

	if state.Status == models.ExecutionCompleted {
		return 0
	}
	return 1
}

func printRunReport(state *models.ExecutionState, runErr error) {
	report := map[string]any{
		"session_id":     state.ID,
		"status":         state.Status,
		"executed_nodes": state.ExecutedNodes,
	}
	if state.Error != "" {
		report["error"] = state.Error
	} else if runErr != nil {
		report["error"] = runErr.Error()
	}
	if len(state.NodeOutputs) > 0 {
		outputs := make(map[string]any, len(state.NodeOutputs))
		for id, env := range state.NodeOutputs {
			outputs[id] = env.Body
		}
		report["node_outputs"] = outputs
	}
	if state.LLMUsage.TotalTokens > 0 {
		report["llm_usage"] = state.LLMUsage
	}
	printJSON(report)
}

// loadVariables merges a variables file with inline JSON; inline wins.
func loadVariables(path, inline string) (map[string]any, error) {
	variables := map[string]any{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
		if err := yaml.Unmarshal(data, &variables); err != nil {
			return nil, fmt.Errorf("parse inputs %s: %w", path, err)
		}
	}

	if inline != "" {
		overlay := map[string]any{}
		if err := json.Unmarshal([]byte(inline), &overlay); err != nil {
			return nil, fmt.Errorf("parse --input-data: %w", err)
		}
		for k, v := range overlay {
			variables[k] = v
		}
	}
	return variables, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
