package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/dverse-systems/dverse-runtime/pkg/runtime/loader"
	"github.com/dverse-systems/dverse-runtime/pkg/trust"
)

type inspectReport struct {
	KapsuleID   string   `json:"kapsule_id"`
	KapsuleType string   `json:"kapsule_type"`
	Version     string   `json:"version,omitempty"`
	CID         string   `json:"cid"`
	Digest      string   `json:"digest"`
	Size        int      `json:"size"`
	Author      string   `json:"author"`
	Scheme      string   `json:"scheme"`
	Verified    bool     `json:"verified"`
	Imports     []string `json:"imports,omitempty"`
	Exports     []string `json:"exports,omitempty"`
	MemoryPages uint64   `json:"memory_min_pages,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// runInspectCmd implements `kapsule inspect`. Imports and exports are only
// listed for kapsules whose signature verifies; unverified bytecode is never
// parsed.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
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
	digest, err := rec.Digest()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := inspectReport{
		KapsuleID:   rec.ID(),
		KapsuleType: rec.Type(),
		Version:     rec.Version(),
		CID:         rec.CID(),
		Digest:      digest,
		Size:        rec.Size(),
		Author:      trust.Fingerprint(rec.AuthorKey()),
		Scheme:      rec.Scheme(),
	}

	if err := env.verifier().Verify(rec); err != nil {
		report.Error = err.Error()
	} else {
		report.Verified = true
		l := loader.New(env.policy.Capabilities().Catalog(),
			loader.WithMaxBytecodeBytes(int(env.maxBytes())),
			loader.WithLogger(env.logger))
		mod, err := l.Load(ctx, rec.Bytecode())
		if err != nil {
			report.Error = err.Error()
		} else {
			for _, imp := range mod.Imports() {
				report.Imports = append(report.Imports, imp.QualifiedName()+" "+imp.Signature.String())
			}
			for _, exp := range mod.Exports() {
				report.Exports = append(report.Exports, exp.Name+" "+exp.Signature.String())
			}
			report.MemoryPages = mod.Memory().MinPages
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printInspect(stdout, report)
	}
	if report.Error != "" {
		return 1
	}
	return 0
}

func printInspect(w io.Writer, r inspectReport) {
	_, _ = fmt.Fprintf(w, "%sKapsule:%s  %s (%s)\n", ColorBold, ColorReset, r.KapsuleID, r.KapsuleType)
	if r.Version != "" {
		_, _ = fmt.Fprintf(w, "Version:  %s\n", r.Version)
	}
	_, _ = fmt.Fprintf(w, "CID:      %s\n", r.CID)
	_, _ = fmt.Fprintf(w, "Digest:   %s (%d bytes)\n", r.Digest, r.Size)
	_, _ = fmt.Fprintf(w, "Author:   %s [%s]\n", r.Author, r.Scheme)
	if !r.Verified {
		_, _ = fmt.Fprintf(w, "%sNot verified:%s %s\n", ColorRed, ColorReset, r.Error)
		return
	}
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "%sRejected:%s %s\n", ColorRed, ColorReset, r.Error)
		return
	}
	_, _ = fmt.Fprintln(w, "Imports:")
	for _, s := range r.Imports {
		_, _ = fmt.Fprintf(w, "  %s\n", s)
	}
	_, _ = fmt.Fprintln(w, "Exports:")
	for _, s := range r.Exports {
		_, _ = fmt.Fprintf(w, "  %s\n", s)
	}
}
