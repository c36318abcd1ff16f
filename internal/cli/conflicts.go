package cli

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/syncengine"
)

type conflict struct {
	Key    record.Key     `json:"key"`
	Local  record.Record  `json:"local"`
	Server *record.Record `json:"server,omitempty"`
}

func newConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts on the primary device",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List entities in conflict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConflictsList(cmd, opts, cmd.OutOrStdout())
		},
	})

	resolve := &cobra.Command{
		Use:   "resolve <type> <id>",
		Short: "Keep the local or the server version of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetString("keep")
			return runConflictsResolve(cmd, opts, cmd.OutOrStdout(), args[0], args[1], keep)
		},
	}
	resolve.Flags().String("keep", "", "side to keep: local or server")
	_ = resolve.MarkFlagRequired("keep")
	cmd.AddCommand(resolve)
	return cmd
}

func runConflictsList(cmd *cobra.Command, opts *RootOptions, out io.Writer) error {
	var conflicts []conflict
	if err := newPrimaryClient(opts).do(cmd.Context(), http.MethodGet, "/conflicts", &conflicts); err != nil {
		return err
	}
	p := newPrinter(opts, out)
	if p.wantsJSON() {
		return p.printJSON(conflicts)
	}
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		serverBy, serverAt := "-", "-"
		if c.Server != nil {
			serverBy, serverAt = c.Server.ModifiedBy, c.Server.ModifiedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			c.Key.String(),
			c.Local.ModifiedBy,
			c.Local.ModifiedAt.UTC().Format(time.RFC3339),
			serverBy,
			serverAt,
		})
	}
	return p.printTable([]string{"ENTITY", "LOCAL BY", "LOCAL AT", "SERVER BY", "SERVER AT"}, rows)
}

func runConflictsResolve(cmd *cobra.Command, opts *RootOptions, out io.Writer, typ, id, keep string) error {
	choice, err := syncengine.ParseResolution(keep)
	if err != nil {
		return err
	}
	path := "/conflicts/" + url.PathEscape(typ) + "/" + url.PathEscape(id) + "/resolve?keep=" + url.QueryEscape(keep)
	var state domain.SyncState
	if err := newPrimaryClient(opts).do(cmd.Context(), http.MethodPost, path, &state); err != nil {
		return err
	}
	p := newPrinter(opts, out)
	if p.wantsJSON() {
		return p.printJSON(state)
	}
	return p.line("%s/%s resolved (%s), now %s", typ, id, choice, state.Status)
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Ask the primary device to run a sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newPrimaryClient(opts).do(cmd.Context(), http.MethodPost, "/sync", nil); err != nil {
				return err
			}
			return newPrinter(opts, cmd.OutOrStdout()).line("sync requested")
		},
	}
}
