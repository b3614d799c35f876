// dipeo is the command-line entry point: run diagrams, compile and
// convert them between formats, and inspect past executions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const usage = `usage: dipeo <command> [flags] [args]

commands:
  run <diagram>        execute a diagram to completion
  compile <diagram>    compile a diagram and report diagnostics
  convert <in> <out>   re-encode a diagram between formats
  list [pattern]       list diagram files
  results <exec-id>    print the stored result of an execution
  metrics [exec-id]    print metrics for an execution
  stats <diagram>      print structural statistics for a diagram
`

func main() {
	// Missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		code = cmdRun(ctx, args)
	case "compile":
		code = cmdCompile(args)
	case "convert":
		code = cmdConvert(args)
	case "list":
		code = cmdList(args)
	case "results":
		code = cmdResults(ctx, args)
	case "metrics":
		code = cmdMetrics(ctx, args)
	case "stats":
		code = cmdStats(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", cmd, usage)
		code = 2
	}
	os.Exit(code)
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
