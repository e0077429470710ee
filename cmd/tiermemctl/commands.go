package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra/tiermem/pkg/client"
	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/version"
)

// readContent takes the content from args or, when none are given, from a
// piped stdin.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	var (
		req     client.StoreRequest
		itemTyp string
		privacy string
		meta    string
	)

	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory item",
		Long:  "Store a memory item in short-term memory. Content can be a positional arg or piped via stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("content is required (positional arg or stdin)")
			}
			req.Content = strings.TrimSpace(content)
			req.Type = memory.ItemType(itemTyp)
			req.Privacy = memory.PrivacyLevel(privacy)
			if meta != "" {
				if err := json.Unmarshal([]byte(meta), &req.Metadata); err != nil {
					return fmt.Errorf("invalid --meta: %w", err)
				}
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			res, err := c.Store(ctx, req)
			if err != nil {
				return err
			}
			if opts.format == "text" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tredacted=%t\n", res.ID, res.Tier, res.Privacy, res.Redacted)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&req.OwnerID, "owner", "o", "", "Owner id (required)")
	cmd.Flags().StringVar(&req.ID, "id", "", "Item id (generated when empty)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session id")
	cmd.Flags().StringVarP(&itemTyp, "type", "t", string(memory.TypeConversation), "Item type: conversation, dev_note, fact")
	cmd.Flags().StringVarP(&privacy, "privacy", "p", "", "Privacy level: public, standard, sensitive (default: server setting)")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 0, "Short-term lifetime (default: server setting)")
	cmd.Flags().StringVar(&meta, "meta", "", "JSON metadata")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			it, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printItem(cmd.OutOrStdout(), opts.format, it)
		},
	}
}

func newAppendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <id> [text]",
		Short: "Append text to a short-term item",
		Long:  "Append text to an item that still lives in short-term memory. Text can follow the id or be piped via stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readContent(cmd, args[1:])
			if err != nil {
				return err
			}
			if text == "" {
				return fmt.Errorf("text is required")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			it, err := c.Append(ctx, args[0], text)
			if err != nil {
				return err
			}
			return printItem(cmd.OutOrStdout(), opts.format, it)
		},
	}
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		q     memory.Query
		types []string
		tiers []string
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Query memory across tiers",
		Long:  "Run a structured query, or a semantic one when text is given. Results from every relevant tier are merged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Text = strings.Join(args, " ")
			for _, t := range types {
				q.Types = append(q.Types, memory.ItemType(t))
			}
			for _, s := range tiers {
				t, err := memory.ParseTier(s)
				if err != nil {
					return err
				}
				q.Tiers = append(q.Tiers, t)
			}
			if since > 0 {
				q.Since = time.Now().Add(-since).UTC()
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			res, err := c.Query(ctx, q)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), opts.format, res)
		},
	}

	cmd.Flags().StringVarP(&q.OwnerID, "owner", "o", "", "Owner id")
	cmd.Flags().StringVar(&q.SessionID, "session", "", "Session id")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Item types (repeatable)")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "Restrict to tiers: short_term, mid_term, long_term (repeatable)")
	cmd.Flags().StringSliceVar(&q.IDs, "id", nil, "Item ids (repeatable)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only items created within this window")
	cmd.Flags().IntVarP(&q.TopK, "top-k", "k", 0, "Number of semantic matches")
	cmd.Flags().Float64Var(&q.MinSimilarity, "min-similarity", 0, "Minimum semantic similarity")
	cmd.Flags().IntVarP(&q.Limit, "limit", "l", 0, "Maximum results")

	return cmd
}

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory item from whichever tier holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			res, err := c.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.format == "text" {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", res.ID)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newForgetOwnerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget-owner <owner-id>",
		Short: "Delete every item belonging to an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			res, err := c.ForgetOwner(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.format == "text" {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d items of %s\n", res.Removed, res.OwnerID)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newConsolidateCmd(opts *rootOptions) *cobra.Command {
	var last bool

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run a consolidation pass",
		Long:  "Run one consolidation pass now, or show the report of the most recent pass with --last.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			run := c.Consolidate
			if last {
				run = c.LastConsolidation
			}
			report, err := run(ctx)
			if err != nil {
				return err
			}
			if opts.format == "text" {
				if report.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "run %s skipped: another instance holds the lock\n", report.RunID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: scanned=%d promoted_to_mid=%d promoted_to_long=%d expired=%d failed=%d\n",
					report.RunID, report.Scanned, report.PromotedToMid, report.PromotedToLong, report.Expired, report.Failed)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&last, "last", false, "Show the last report instead of running")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tier health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()

			st, err := c.Status(ctx, refresh)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), opts.format, st)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Run a health check before reporting")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
