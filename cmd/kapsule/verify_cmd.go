package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/dverse-systems/dverse-runtime/pkg/trust"
)

type verifyReport struct {
	KapsuleID   string `json:"kapsule_id"`
	KapsuleType string `json:"kapsule_type"`
	Author      string `json:"author"`
	Scheme      string `json:"scheme"`
	Verified    bool   `json:"verified"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error,omitempty"`
}

// runVerifyCmd implements `kapsule verify`: the signature check alone,
// without loading or running anything.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		in         kapsuleFlags
		jsonOutput bool
	)
	in.register(fs)
	fs.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	env, err := loadEnv(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	defer env.Close(ctx)

	rec, _, err := in.load(ctx, env)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	v := env.verifier()
	report := verifyReport{
		KapsuleID:   rec.ID(),
		KapsuleType: rec.Type(),
		Author:      trust.Fingerprint(rec.AuthorKey()),
		Scheme:      rec.Scheme(),
		Verified:    true,
	}
	if err := v.Verify(rec); err != nil {
		report.Verified = false
		report.Error = err.Error()
		var ae *trust.AuthError
		if errors.As(err, &ae) {
			report.Code = ae.Code()
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "✅ %s (%s) signed by %s [%s]\n", rec.ID(), rec.Type(), report.Author, report.Scheme)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ %s (%s): %s\n", rec.ID(), rec.Type(), report.Error)
	}

	if !report.Verified {
		return 1
	}
	return 0
}
