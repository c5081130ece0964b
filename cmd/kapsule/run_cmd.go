package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dverse-systems/dverse-runtime/pkg/descriptor"
	"github.com/dverse-systems/dverse-runtime/pkg/pipeline"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

type runReport struct {
	InvocationID string   `json:"invocation_id"`
	KapsuleID    string   `json:"kapsule_id"`
	KapsuleType  string   `json:"kapsule_type"`
	CID          string   `json:"cid"`
	EntryPoint   string   `json:"entry_point"`
	OK           bool     `json:"ok"`
	Values       []string `json:"values,omitempty"`
	Stage        string   `json:"stage,omitempty"`
	Code         string   `json:"code,omitempty"`
	Error        string   `json:"error,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

// runRunCmd implements `kapsule run`.
//
//	kapsule run -d calc.json --entry add --sig '(i32,i32)->i32' i32:2 i32:3
//
// Arguments are typed literals. Entry and signature default to the
// descriptor's entry block.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		in         kapsuleFlags
		entry      string
		sig        string
		jsonOutput bool
	)
	in.register(fs)
	fs.StringVarP(&entry, "entry", "e", "", "exported function to invoke")
	fs.StringVarP(&sig, "sig", "s", "", "expected signature, e.g. (i32,i32)->i32")
	fs.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	values := make([]abi.Value, 0, fs.NArg())
	for _, lit := range fs.Args() {
		v, err := abi.ParseValue(lit)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		values = append(values, v)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := loadEnv(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer env.Close(context.Background())

	rec, d, err := in.load(ctx, env)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, descriptor.ErrDigestMismatch) {
			return 1
		}
		return 2
	}

	if d.Entry != nil {
		if entry == "" {
			entry = d.Entry.Name
		}
		if sig == "" {
			sig = d.Entry.Signature
		}
	}
	if entry == "" || sig == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --entry and --sig are required when the descriptor has no entry")
		return 2
	}
	expected, err := abi.ParseSignature(sig)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	host, _, err := env.host(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out := host.Run(ctx, pipeline.Request{Record: rec, EntryPoint: entry, Signature: expected, Args: values})

	report := runReport{
		InvocationID: out.InvocationID,
		KapsuleID:    rec.ID(),
		KapsuleType:  rec.Type(),
		CID:          rec.CID(),
		EntryPoint:   entry,
		OK:           out.OK(),
		Stage:        out.Stage(),
		Code:         out.Code(),
		DurationMs:   out.Duration.Milliseconds(),
	}
	for _, v := range out.Values {
		report.Values = append(report.Values, v.String())
	}
	if !out.OK() {
		report.Error = out.Err.Error()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if out.OK() {
		_, _ = fmt.Fprintf(stdout, "✅ %s.%s = %s\n", rec.ID(), entry, pipeline.FormatValues(out.Values))
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ %s.%s failed at %s: %s\n", rec.ID(), entry, out.Stage(), out.Err)
	}

	if !out.OK() {
		return 1
	}
	return 0
}
