package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
)

// printer renders command results as JSON or as a table.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(opts *RootOptions, out io.Writer) printer {
	return printer{format: opts.Format(), out: out}
}

func (p printer) wantsJSON() bool { return p.format == "json" }

func (p printer) printJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable draws rows under headers. Headers are highlighted only on a
// terminal.
func (p printer) printTable(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.out, "(none)")
		return err
	}
	header := lipgloss.NewStyle().Padding(0, 1)
	if isTerminal(p.out) {
		header = header.Bold(true).Foreground(lipgloss.Color("12"))
	}
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	_, err := fmt.Fprintln(p.out, t.Render())
	return err
}

func (p printer) line(format string, args ...any) error {
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
