package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tiancaiamao/acp/pkg/logger"
	"github.com/tiancaiamao/acp/pkg/session"
)

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			summaries, err := session.NewStore(cfg.SessionsDir, logger.Discard()).List()
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), summaries, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(newSessionsDeleteCommand(opts))
	return cmd
}

func newSessionsDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete persisted sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			store := session.NewStore(cfg.SessionsDir, logger.Discard())
			for _, id := range ids {
				if err := store.Delete(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}

func printSessions(w io.Writer, summaries []session.Summary, asJSON bool) error {
	if asJSON {
		if summaries == nil {
			summaries = []session.Summary{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTURNS\tUPDATED\tCWD")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.SessionID, s.Turns, s.UpdatedAt.Local().Format(time.DateTime), s.CWD)
	}
	return tw.Flush()
}
