package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var displaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List attached displays",
	Long: `List the displays the selected capture backend can see.

The compositor backend reports the negotiated output; the framework
backend enumerates X screens when available.`,
	Example: `  # List displays in table format (default)
  termdesk displays

  # List displays in JSON format
  termdesk displays --format json

  # Show only the main display
  termdesk displays --main`,
	RunE: runDisplays,
}

var (
	displaysFormat string
	displaysMain   bool
)

func init() {
	rootCmd.AddCommand(displaysCmd)

	displaysCmd.Flags().StringVarP(&displaysFormat, "format", "f", "table", "output format (table or json)")
	displaysCmd.Flags().BoolVarP(&displaysMain, "main", "m", false, "show only the main display")
}

func runDisplays(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := newEngine(configMgr)
	if err != nil {
		return err
	}
	defer eng.Close()

	displays, err := eng.Displays()
	if err != nil {
		return fmt.Errorf("failed to enumerate displays: %w", err)
	}
	if displaysMain {
		main, err := eng.MainDisplay()
		if err != nil {
			return fmt.Errorf("failed to find main display: %w", err)
		}
		displays = displays[:0]
		displays = append(displays, main)
	}

	if displaysFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(displays)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRESOLUTION\tSCALE\tREFRESH\tMAIN")
	for _, d := range displays {
		main := ""
		if d.Main {
			main = "*"
		}
		fmt.Fprintf(w, "%d\t%dx%d\t%.1f\t%.1fHz\t%s\n", d.ID, d.Width, d.Height, d.Scale, d.RefreshHz, main)
	}
	return w.Flush()
}
