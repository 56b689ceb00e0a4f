package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/smartlock/internal/mode"
	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/andresmejia3/smartlock/internal/worker"
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Rebuild the classifier from the saved face images",
	Run: func(cmd *cobra.Command, args []string) {
		faces := worker.NewPythonSupervisor(cmd.Context(), 0, "training", workerConfig(Cfg, false))
		defer faces.Close()

		runner := newEnrollRunner(cmd.Context(), Cfg, faces, mode.New())
		labels, err := runner.Retrain(cmd.Context())
		if err != nil {
			utils.Die("Training failed", err, nil)
		}
		fmt.Printf("✅ Model written to %s\n", Cfg.Enrollment.ModelPath())
		printLabels(labels)
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

func printLabels(labels map[int]string) {
	if len(labels) == 0 {
		return
	}
	ids := make([]int, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LABEL\tNAME")
	fmt.Fprintln(w, "-----\t----")
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%s\n", id, labels[id])
	}
	w.Flush()
}
