package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/spf13/cobra"
)

var (
	logsDate string
	logsType string
	logsJSON bool
)

var logsCmd = &cobra.Command{
	Use:         "logs",
	Short:       "List access log entries, newest first",
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := Events.Query(cmd.Context(), logsDate, logsType)
		if err != nil {
			utils.Die("Failed to list access log", err, nil)
		}
		if logsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(entries); err != nil {
				utils.Die("Failed to encode access log", err, nil)
			}
			return
		}
		printLogs(os.Stdout, entries)
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsDate, "date", "", "Only show entries from this day (YYYY-MM-DD)")
	logsCmd.Flags().StringVarP(&logsType, "type", "t", "", "Only show this event type (OPEN, LOCKSYSTEM, ALERT)")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Print entries as JSON")
	rootCmd.AddCommand(logsCmd)
}

func printLogs(out io.Writer, entries []types.LogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No access log entries found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tEVENT\tNAME")
	fmt.Fprintln(w, "--\t---------\t-----\t----")
	for _, e := range entries {
		name := "-"
		if e.Name != nil {
			name = *e.Name
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType, name)
	}
	w.Flush()
}
