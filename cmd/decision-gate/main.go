package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = rejected request, failed verification, or a fail decision
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "define":
		return runDefineCmd(args[2:], stdout, stderr)
	case "start":
		return runStartCmd(args[2:], stdout, stderr)
	case "trigger":
		return runTriggerCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "precheck":
		return runPrecheckCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sdecision-gate%s\n", ColorBold+ColorCyan, ColorReset)
	_, _ = fmt.Fprintf(w, "%sEvidence in, one decision out.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  decision-gate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SCENARIOS & RUNS")
	printCommand(w, "define", "Register a scenario spec (--spec)")
	printCommand(w, "start", "Start a run (--scenario, --run)")
	printCommand(w, "trigger", "Advance a run with a trigger (--scenario, --run, --id)")
	printCommand(w, "status", "Show the safe status of a run (--run)")
	printCommand(w, "submit", "Attach a submission to a run (--run, --id, --payload)")
	printCommand(w, "precheck", "Evaluate a stage with asserted values (--scenario, --assert)")

	printSection(w, "RUNPACKS")
	printCommand(w, "export", "Export a runpack (--run, --out)")
	printCommand(w, "verify", "Verify a runpack offline (--manifest, --json)")

	printSection(w, "COMMON FLAGS")
	printCommand(w, "--config", "YAML config file (default: environment)")
	printCommand(w, "--db", "SQLite database path (selects the sqlite store)")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
