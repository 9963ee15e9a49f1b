package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-riskcap/pkg/capacity"
)

const version = "riskcap v0.4.0"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"solve", "Solve the capacity model and store the design", runSolve},
	{"validate", "Estimate link failure probabilities of a saved design", runValidate},
	{"escalate", "Validate with growing sample sizes until the interval is tight", runEscalate},
	{"run", "Solve and validate in one study", runStudy},
	{"export-lp", "Write the model in CPLEX LP format", runExportLP},
	{"serve-metrics", "Serve Prometheus metrics until interrupted", runServeMetrics},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "help", "--help", "-h":
		printUsage()
		return
	case "version", "--version", "-v":
		fmt.Println(version)
		return
	}

	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := cmd.run(ctx, os.Args[2:])
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, warnStyle.Render("error: ")+err.Error())
			os.Exit(exitCode(err))
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage()
	os.Exit(1)
}

// exitCode separates an infeasible model from other failures so scripts
// can retry with a looser configuration.
func exitCode(err error) int {
	if errors.Is(err, capacity.ErrInfeasible) {
		return 3
	}
	return 1
}

func printUsage() {
	fmt.Print(`riskcap - risk-constrained backup capacity design

Usage:
  riskcap <command> [options]

Available Commands:
`)
	for _, cmd := range commands {
		fmt.Printf("  %-14s %s\n", cmd.name, cmd.summary)
	}
	fmt.Print(`  help           Show this help message
  version        Show version information

Every command accepts -config <file.yaml>. RISKCAP_* environment variables
override the file, for example RISKCAP_EPSILON=0.1 or RISKCAP_SEED=42.

Use "riskcap <command> -h" for the options of a command.
`)
}
