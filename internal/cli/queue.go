package cli

import (
	"errors"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"example.com/ridesync/internal/companion"
)

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the companion relay queue file",
	}
	cmd.PersistentFlags().String("queue-path", "pending_sessions.json", "companion session queue file")
	_ = opts.v.BindPFlag("queue-path", cmd.PersistentFlags().Lookup("queue-path"))

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "List sessions awaiting relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueueInspect(opts, cmd.OutOrStdout())
		},
	})

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop every queued session (stop the companion first)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			return runQueuePurge(opts, cmd.OutOrStdout(), yes)
		},
	}
	purge.Flags().Bool("yes", false, "confirm the purge")
	cmd.AddCommand(purge)
	return cmd
}

func openQueue(opts *RootOptions) (*companion.Store, error) {
	return companion.Open(opts.v.GetString("queue-path"), companion.WithLogger(log.New(io.Discard, "", 0)))
}

func runQueueInspect(opts *RootOptions, out io.Writer) error {
	store, err := openQueue(opts)
	if err != nil {
		return err
	}
	sessions := store.SessionsReadyForRelay()
	p := newPrinter(opts, out)
	if p.wantsJSON() {
		return p.printJSON(sessions)
	}
	rows := make([][]string, 0, len(sessions))
	for _, qs := range sessions {
		last := "-"
		if qs.LastAttempt != nil {
			last = qs.LastAttempt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			qs.ID,
			string(qs.Discipline),
			qs.StartedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(qs.Metrics.DistanceMeters, 'f', 0, 64),
			strconv.Itoa(qs.SyncAttempts),
			last,
		})
	}
	return p.printTable([]string{"ID", "DISCIPLINE", "STARTED", "DISTANCE (M)", "ATTEMPTS", "LAST ATTEMPT"}, rows)
}

func runQueuePurge(opts *RootOptions, out io.Writer, yes bool) error {
	if !yes {
		return errors.New("refusing to purge without --yes")
	}
	store, err := openQueue(opts)
	if err != nil {
		return err
	}
	n := store.QueueDepth()
	if err := store.Purge(); err != nil {
		return err
	}
	return newPrinter(opts, out).line("purged %d sessions from %s", n, opts.v.GetString("queue-path"))
}
