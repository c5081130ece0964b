package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/dverse-systems/dverse-runtime/pkg/receipts"
)

// runReceiptsCmd implements `kapsule receipts`, listing the newest receipts
// in KAPSULE_RECEIPTS_DSN.
func runReceiptsCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("receipts", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		kapsuleID  string
		limit      int
		jsonOutput bool
	)
	fs.StringVarP(&kapsuleID, "kapsule", "k", "", "only receipts for this kapsule id")
	fs.IntVarP(&limit, "limit", "n", 20, "maximum receipts to show")
	fs.BoolVar(&jsonOutput, "json", false, "Output receipts as JSON")
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

	store, err := env.receipts(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	list, err := store.List(ctx, kapsuleID, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		if list == nil {
			list = []*receipts.Receipt{}
		}
		data, _ := json.MarshalIndent(list, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tINVOCATION\tKAPSULE\tENTRY\tSTATUS\tRESULT")
	for _, r := range list {
		status := string(r.Status)
		if r.Code != "" {
			status = r.Stage + "/" + r.Code
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s@%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.InvocationID, r.KapsuleID, r.Version,
			r.EntryPoint, status, r.Result)
	}
	_ = tw.Flush()
	return 0
}
