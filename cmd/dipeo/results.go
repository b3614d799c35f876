package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dipeo/dipeo/common/bootstrap"
	"github.com/dipeo/dipeo/common/ids"
	"github.com/dipeo/dipeo/common/models"
)

func cmdResults(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: dipeo results <exec-id>")
		return 2
	}
	executionID := args[0]
	if err := ids.ValidateExecutionID(executionID); err != nil {
		return fail(err)
	}

	c, err := bootstrap.Setup(ctx, "dipeo", bootstrap.WithoutObservers())
	if err != nil {
		return fail(err)
	}
	defer c.Shutdown(ctx)

	state, err := c.Store.GetState(ctx, executionID)
	if err != nil {
		return fail(err)
	}
	if state == nil {
		return fail(fmt.Errorf("execution not found: %s", executionID))
	}

	result := map[string]any{
		"session_id": executionID,
		"status":     state.Status,
	}
	if len(state.ExecutedNodes) > 0 {
		result["executed_nodes"] = state.ExecutedNodes
	}
	if len(state.NodeOutputs) > 0 {
		outputs := make(map[string]any, len(state.NodeOutputs))
		for id, env := range state.NodeOutputs {
			outputs[id] = env.Body
		}
		result["node_outputs"] = outputs
	}
	if state.Error != "" {
		result["error"] = state.Error
	}
	if state.LLMUsage.TotalTokens > 0 {
		result["llm_usage"] = state.LLMUsage
	}
	if !state.StartedAt.IsZero() {
		result["started_at"] = state.StartedAt
	}
	if state.EndedAt != nil {
		result["ended_at"] = state.EndedAt
	}
	printJSON(result)
	return 0
}

func cmdMetrics(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	latest := fs.Bool("latest", false, "use the most recent execution")
	execID := fs.String("execution-id", "", "execution to report on")
	_ = fs.Parse(args)

	c, err := bootstrap.Setup(ctx, "dipeo", bootstrap.WithoutObservers())
	if err != nil {
		return fail(err)
	}
	defer c.Shutdown(ctx)

	executionID := *execID
	if executionID == "" && fs.NArg() > 0 {
		executionID = fs.Arg(0)
	}
	if executionID == "" {
		if !*latest {
			fmt.Fprintln(os.Stderr, "usage: dipeo metrics [--execution-id id | --latest]")
			return 2
		}
		states, err := c.Store.ListExecutions(ctx, "", "", 1, 0)
		if err != nil {
			return fail(err)
		}
		if len(states) == 0 {
			return fail(fmt.Errorf("no executions recorded"))
		}
		executionID = states[0].ID
	}

	state, err := c.Store.GetState(ctx, executionID)
	if err != nil {
		return fail(err)
	}
	if state == nil {
		return fail(fmt.Errorf("execution not found: %s", executionID))
	}
	printJSON(summarizeState(state))
	return 0
}

// summarizeState derives a metrics view from the persisted record.
func summarizeState(state *models.ExecutionState) map[string]any {
	nodes := make(map[string]any, len(state.NodeStates))
	errors := 0
	for id, ns := range state.NodeStates {
		entry := map[string]any{"status": ns.Status}
		if ns.StartedAt != nil && ns.EndedAt != nil {
			entry["duration_ms"] = ns.EndedAt.Sub(*ns.StartedAt).Milliseconds()
		}
		if ns.LLMUsage != nil {
			entry["token_usage"] = ns.LLMUsage
		}
		if ns.Error != "" {
			entry["error"] = ns.Error
			errors++
		}
		nodes[id] = entry
	}

	summary := map[string]any{
		"execution_id": state.ID,
		"diagram_id":   state.DiagramID,
		"status":       state.Status,
		"node_count":   len(state.NodeStates),
		"error_count":  errors,
		"total_tokens": state.LLMUsage.TotalTokens,
		"nodes":        nodes,
	}
	if state.EndedAt != nil {
		summary["total_duration_ms"] = state.EndedAt.Sub(state.StartedAt).Milliseconds()
	}
	return summary
}
