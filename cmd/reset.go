package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetLogs  bool
	resetFaces bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Access Log, Faces, Model)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{needsDB: "true"},
	Args:        cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetLogs && !resetFaces {
			resetLogs = true
			resetFaces = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetLogs {
			if confirm(reader, "⚠️  Are you sure you want to DROP the access log?") {
				fmt.Println("🗑️  Clearing Access Log...")
				if err := Events.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset access log", err, nil)
				}
			}
		}

		if resetFaces {
			if confirm(reader, "⚠️  Are you sure you want to delete all enrolled faces and the trained model?") {
				fmt.Println("🗑️  Clearing Faces, Model and Labels...")
				removeDir(Cfg.Enrollment.FacesDir())
				removeDir(Cfg.Enrollment.ModelPath())
				removeDir(Cfg.Enrollment.LabelsPath())
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	// --db is the global DSN override, so it selects which access log --logs drops
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Drop the access log table")
	resetCmd.Flags().BoolVar(&resetFaces, "faces", false, "Delete enrolled faces, the model and labels")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
