package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra/tiermem/pkg/client"
	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/version"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	server  string
	timeout time.Duration
	format  string
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, client.WithUserAgent("tiermemctl/"+version.Version))
}

// withTimeout bounds one command by the --timeout flag.
func (o *rootOptions) withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "tiermemctl",
		Short:         "Command-line client for the tiermem memory manager",
		Long:          "Store, query and forget memory items held by a tiermem server, trigger consolidation and inspect tier health.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "json" && opts.format != "text" {
				return fmt.Errorf("unknown format %q: use json or text", opts.format)
			}
			return nil
		},
	}

	server := os.Getenv("TIERMEM_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "Server base URL (default: $TIERMEM_SERVER or "+defaultServer+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", "json", "Output format: json or text")

	root.AddCommand(
		newPutCmd(opts),
		newGetCmd(opts),
		newAppendCmd(opts),
		newQueryCmd(opts),
		newRmCmd(opts),
		newForgetOwnerCmd(opts),
		newConsolidateCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printItem(w io.Writer, format string, it *memory.Item) error {
	if format == "json" {
		return printJSON(w, it)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.ID, it.Type, it.Tier, it.Privacy)
	fmt.Fprintln(w, it.Content)
	return nil
}

func printResults(w io.Writer, format string, res *manager.QueryResult) error {
	if format == "json" {
		return printJSON(w, res)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIER\tSCORE\tCONTENT")
	for _, r := range res.Results {
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\n", r.Item.ID, r.Tier, r.Score, truncate(r.Item.Content, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}

func printStatus(w io.Writer, format string, st *client.Status) error {
	if format == "json" {
		return printJSON(w, st)
	}
	fmt.Fprintf(w, "status: %s (up %s)\n", st.Status, st.Uptime)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSTATE\tREASON")
	for _, s := range st.Tiers {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Tier, s.State, s.Reason)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
