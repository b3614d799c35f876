package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
)

func cmdCompile(args []string) int {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	checkOnly := fs.Bool("check-only", false, "report diagnostics without emitting the compiled form")
	asJSON := fs.Bool("json", false, "emit the compiled diagram as JSON")
	format := fs.String("format", "", "diagram format (default: sniff)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dipeo compile [flags] <diagram>")
		return 2
	}

	d, err := diagram.Load(fs.Arg(0), diagram.Format(*format))
	if err != nil {
		return fail(err)
	}

	exec, diags := compiler.CompileWithDiagnostics(d)
	for _, diag := range diags {
		fmt.Fprintln(os.Stderr, diag)
	}
	if diags.HasErrors() {
		return 1
	}

	switch {
	case *checkOnly:
		fmt.Printf("ok: %d nodes, %d diagnostics\n", len(exec.Nodes), len(diags))
	case *asJSON:
		data, err := exec.Bytes()
		if err != nil {
			return fail(err)
		}
		os.Stdout.Write(data)
		fmt.Println()
	default:
		fmt.Printf("compiled %s: %d nodes\n", exec.ID, len(exec.Nodes))
	}
	return 0
}

func cmdConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	from := fs.String("from", "", "input format (default: sniff)")
	to := fs.String("to", "", "output format (default: sniff from output path)")
	_ = fs.Parse(args)

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: dipeo convert [flags] <in> <out>")
		return 2
	}
	if err := diagram.Convert(fs.Arg(0), diagram.Format(*from), fs.Arg(1), diagram.Format(*to)); err != nil {
		return fail(err)
	}
	fmt.Printf("wrote %s\n", fs.Arg(1))
	return 0
}

func cmdList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the file list as JSON")
	_ = fs.Parse(args)

	pattern := "**/*.{yaml,yml,json}"
	if fs.NArg() > 0 {
		pattern = fs.Arg(0)
	}

	matches, err := doublestar.Glob(os.DirFS("."), pattern)
	if err != nil {
		return fail(err)
	}
	sort.Strings(matches)

	if *asJSON {
		printJSON(matches)
		return 0
	}
	for _, m := range matches {
		fmt.Println(m)
	}
	return 0
}

func cmdStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	format := fs.String("format", "", "diagram format (default: sniff)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dipeo stats <diagram>")
		return 2
	}

	d, err := diagram.Load(fs.Arg(0), diagram.Format(*format))
	if err != nil {
		return fail(err)
	}

	byType := map[diagram.NodeType]int{}
	for _, n := range d.Nodes {
		byType[n.Type]++
	}
	printJSON(map[string]any{
		"id":            d.ID,
		"nodes":         len(d.Nodes),
		"edges":         len(d.Edges),
		"persons":       len(d.Persons),
		"nodes_by_type": byType,
	})
	return 0
}
