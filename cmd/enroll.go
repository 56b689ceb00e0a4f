package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/smartlock/internal/enroll"
	"github.com/andresmejia3/smartlock/internal/mode"
	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/andresmejia3/smartlock/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollOpts enroll.Request

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Capture face images for a person and retrain the model",
	Long:  "Opens the camera, saves cropped grayscale faces under <data_dir>/faces/<name> and retrains the classifier. Stop the server first if it uses the same camera.",
	Run: func(cmd *cobra.Command, args []string) {
		var camera *int
		if cmd.Flags().Changed("camera") {
			camera = enrollOpts.Camera
		}
		req := enrollOpts
		req.Camera = camera

		faces := worker.NewPythonSupervisor(cmd.Context(), 0, "enrollment", workerConfig(Cfg, false))
		defer faces.Close()

		runner := newEnrollRunner(cmd.Context(), Cfg, faces, mode.New())
		req, err := runner.Normalize(req)
		if err != nil {
			utils.Die("Invalid enrollment request", err, nil)
		}

		bar := progressbar.NewOptions(req.Images,
			progressbar.OptionSetDescription(fmt.Sprintf("📸 Enrolling %s", req.Name)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)

		job, err := runner.Run(cmd.Context(), req, func(saved, target int) {
			bar.Set(saved)
		})
		bar.Finish()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			utils.Die("Enrollment failed", err, nil)
		}

		fmt.Printf("✅ Enrolled %s: %d/%d images saved\n", job.Name, job.Progress.Saved, job.Progress.Target)
		printLabels(job.Result)
	},
}

func init() {
	enrollOpts.Camera = new(int)
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Person to enroll (required)")
	enrollCmd.Flags().IntVar(enrollOpts.Camera, "camera", 0, "Camera device index (overrides camera.source)")
	enrollCmd.Flags().StringVarP(&enrollOpts.Source, "source", "s", "", "Video file or stream url (overrides --camera)")
	enrollCmd.Flags().IntVarP(&enrollOpts.Images, "images", "i", 0, "Number of face images to save (default enrollment.default_images)")
	enrollCmd.Flags().IntVar(&enrollOpts.Interval, "interval", 0, "Save every Nth detected face (default enrollment.default_interval)")
	enrollCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrollCmd)
}
