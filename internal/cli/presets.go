package cli

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/sharing"
)

func newPresetsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "Review permission presets",
	}
	show := &cobra.Command{
		Use:   "show [name]",
		Short: "Show the built-in presets plus any from a presets file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runPresetsShow(opts, cmd.OutOrStdout(), name)
		},
	}
	show.Flags().String("presets-file", "", "custom presets file (yaml or toml)")
	opts.bind(show, "presets-file")
	cmd.AddCommand(show)
	return cmd
}

func runPresetsShow(opts *RootOptions, out io.Writer, name string) error {
	presets := sharing.DefaultPresets()
	if path := opts.v.GetString("presets-file"); path != "" {
		if err := presets.LoadFile(path); err != nil {
			return err
		}
	}

	selected := presets.All()
	if name != "" {
		preset, err := presets.Get(name)
		if err != nil {
			return err
		}
		selected = []sharing.Preset{preset}
	}

	p := newPrinter(opts, out)
	if p.wantsJSON() {
		return p.printJSON(selected)
	}
	rows := make([][]string, 0, len(selected))
	for _, preset := range selected {
		rows = append(rows, []string{preset.Name, capabilityList(preset.Capabilities), disciplineList(preset.Visibility)})
	}
	return p.printTable([]string{"PRESET", "CAPABILITIES", "VISIBLE"}, rows)
}

func capabilityList(c sharing.Capabilities) string {
	var out []string
	for _, flag := range []struct {
		on   bool
		name string
	}{
		{c.CanViewLiveRiding, "live"},
		{c.CanViewTrainingSummaries, "summaries"},
		{c.CanViewCompetitions, "competitions"},
		{c.ReceiveCompletionAlerts, "completion-alerts"},
		{c.ReceiveCompetitionAlerts, "competition-alerts"},
		{c.IsEmergencyContact, "emergency"},
	} {
		if flag.on {
			out = append(out, flag.name)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ", ")
}

func disciplineList(ds []domain.Discipline) string {
	if len(ds) == 0 {
		return "-"
	}
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return strings.Join(out, ", ")
}
