package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/smartlock/internal/capture"
	"github.com/andresmejia3/smartlock/internal/config"
	"github.com/andresmejia3/smartlock/internal/debounce"
	"github.com/andresmejia3/smartlock/internal/door"
	"github.com/andresmejia3/smartlock/internal/enroll"
	"github.com/andresmejia3/smartlock/internal/framepub"
	"github.com/andresmejia3/smartlock/internal/mode"
	"github.com/andresmejia3/smartlock/internal/recognition"
	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/andresmejia3/smartlock/internal/web"
	"github.com/andresmejia3/smartlock/internal/worker"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the recognition loop, door listener and HTTP API",
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		if serveAddr != "" {
			Cfg.Server.Addr = serveAddr
		}
		if err := runServe(cmd.Context(), Cfg); err != nil {
			utils.Die("Server failed", err, nil)
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "HTTP listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func workerConfig(cfg *config.Config, withModel bool) worker.Config {
	wc := worker.Config{
		Python:      cfg.Worker.Python,
		Script:      cfg.Worker.Script,
		Cascade:     cfg.Worker.Cascade,
		ReadTimeout: cfg.Worker.ReadTimeout,
	}
	if withModel {
		wc.ModelPath = cfg.Enrollment.ModelPath()
	}
	return wc
}

// newCommander returns an unconnected Emitter, or a NopEmitter when MQTT is disabled.
func newCommander(cfg config.MQTTConfig) (door.Commander, *door.Emitter) {
	if cfg.Disabled || cfg.Broker == "" {
		slog.Warn("mqtt disabled, door commands will only be logged")
		return door.NewNopEmitter(), nil
	}
	em := door.NewEmitter(cfg)
	return em, em
}

// connectCommander is newCommander followed by Connect.
func connectCommander(ctx context.Context, cfg config.MQTTConfig) (door.Commander, error) {
	commander, em := newCommander(cfg)
	if em != nil {
		if err := em.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return commander, nil
}

func newEnrollRunner(ctx context.Context, cfg *config.Config, faces enroll.Faces, coord enroll.Pauser) *enroll.Runner {
	return enroll.NewRunner(ctx, enroll.Config{
		FacesDir:        cfg.Enrollment.FacesDir(),
		ModelPath:       cfg.Enrollment.ModelPath(),
		LabelsPath:      cfg.Enrollment.LabelsPath(),
		DefaultSource:   cfg.Camera.Source,
		FaceSize:        cfg.Enrollment.FaceSize,
		DefaultImages:   cfg.Enrollment.DefaultImages,
		DefaultInterval: cfg.Enrollment.DefaultInterval,
		CaptureTimeout:  cfg.Enrollment.CaptureTimeout,
	}, faces, coord, func(source string) capture.Source {
		return capture.NewFFmpegSource(source, cfg.Camera.FPS, cfg.Camera.OpenTimeout)
	})
}

// newHTTPServer ties request contexts to ctx so open MJPEG streams end when ctx does.
func newHTTPServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	fmt.Fprintf(os.Stderr, "🔐 SmartLock %s starting on %s (camera %s)\n", Version, cfg.Server.Addr, cfg.Camera.Source)

	frames := framepub.New()
	coord := mode.New()

	// Recognition and enrollment each get their own python process
	recFaces := worker.NewPythonSupervisor(ctx, 0, "recognition", workerConfig(cfg, true))
	defer recFaces.Close()
	enrollFaces := worker.NewPythonSupervisor(ctx, 1, "enrollment", workerConfig(cfg, false))
	defer enrollFaces.Close()

	commander, emitter := newCommander(cfg.MQTT)
	defer commander.Disconnect()
	if emitter != nil {
		listener := door.NewListener(cfg.MQTT, Events, emitter)
		emitter.OnConnect(listener.Subscribe)
		listener.Start(ctx)
		defer listener.Stop()

		if err := emitter.Connect(ctx); err != nil {
			return err
		}
	}

	src := capture.NewReconnecting(
		capture.NewFFmpegSource(cfg.Camera.Source, cfg.Camera.FPS, cfg.Camera.OpenTimeout),
		capture.ReconnectConfig{RetryDelay: cfg.Camera.RetryDelay, MaxRetryDelay: cfg.Camera.MaxRetryDelay},
	)
	defer src.Close()

	rec := recognition.New(recognition.Config{
		FPS:         cfg.Camera.FPS,
		JPEGQuality: cfg.Recognition.JPEGQuality,
		ModelPath:   cfg.Enrollment.ModelPath(),
		LabelsPath:  cfg.Enrollment.LabelsPath(),
	}, recognition.Deps{
		Source:   src,
		Faces:    recFaces,
		Debounce: debounce.New(cfg.Recognition.Threshold, cfg.Recognition.HoldTime),
		Mode:     coord,
		Frames:   frames,
		Door:     commander,
		Events:   Events,
	})

	runner := newEnrollRunner(ctx, cfg, enrollFaces, coord)
	runner.OnTrained(func(ctx context.Context, _ map[int]string) {
		if err := rec.ReloadModel(ctx); err != nil {
			slog.Error("failed to reload model after training", "error", err)
		}
	})

	srv := newHTTPServer(ctx, cfg.Server.Addr, web.NewHandler(web.Deps{
		Frames:      frames,
		Enroll:      runner,
		Door:        commander,
		Mode:        coord,
		Events:      Events,
		Recognition: rec,
		StreamFPS:   cfg.Camera.FPS,
		Debug:       debug,
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	case err := <-errc:
		if err != nil {
			stop()
			runner.Wait()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Cancels streams and background work before draining requests
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown incomplete", "error", err)
	}

	// Enrollment jobs and the recognition loop stop with ctx
	runner.Wait()
	wg.Wait()
	fmt.Fprintln(os.Stderr, "👋 SmartLock stopped.")
	return nil
}
