// Command kapsule verifies and runs signed WebAssembly kapsules.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the kapsule failed a stage
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "receipts":
		return runReceiptsCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "kapsule %s\n", Version)
		return 0
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
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%skapsule %s%s\n", ColorBold+ColorCyan, Version, ColorReset)
	fmt.Fprintf(w, "%sVerify, then run. Nothing runs unsigned.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  kapsule <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "EXECUTION")
	printCommand(w, "run", "Verify, admit, load and invoke a kapsule (--descriptor, --entry)")
	printCommand(w, "verify", "Check a kapsule's signature only (--descriptor)")
	printCommand(w, "inspect", "Show a kapsule's identity, imports and exports")

	printSection(w, "AUDIT")
	printCommand(w, "receipts", "List execution receipts (--kapsule, --limit)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")

	printSection(w, "ENVIRONMENT")
	fmt.Fprintln(w, "  KAPSULE_POLICY, KAPSULE_LOG_LEVEL, KAPSULE_RECEIPTS_DSN, KAPSULE_REDIS_ADDR,")
	fmt.Fprintln(w, "  KAPSULE_OTLP_ENDPOINT, KAPSULE_TRUSTED_AUTHORS, KAPSULE_HOST_KEY,")
	fmt.Fprintln(w, "  KAPSULE_ARTIFACT_STORE, KAPSULE_CACHE_DIR")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}
