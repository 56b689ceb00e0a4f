// Package web exposes the lock over HTTP: the annotated MJPEG stream,
// enrollment jobs, door commands, the mode switch and the access log.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/smartlock/internal/door"
	"github.com/andresmejia3/smartlock/internal/enroll"
	"github.com/andresmejia3/smartlock/internal/framepub"
	"github.com/andresmejia3/smartlock/internal/recognition"
	"github.com/andresmejia3/smartlock/internal/types"
)

// FrameSource is the latest-frame slot.
type FrameSource interface {
	Latest() (types.Frame, bool)
	Stats() framepub.Stats
}

// Enroller starts and tracks enrollment jobs.
type Enroller interface {
	Start(req enroll.Request) (types.EnrollmentJob, error)
	Jobs() *enroll.Registry
	Running() bool
}

// ModeSwitch pauses and resumes recognition.
type ModeSwitch interface {
	Pause() bool
	Resume() bool
	Mode() string
}

// EventLog records and queries access events.
type EventLog interface {
	Insert(ctx context.Context, t types.EventType, name string) (types.LogEntry, error)
	Query(ctx context.Context, date, eventType string) ([]types.LogEntry, error)
}

// HealthReporter reports the state of the recognition loop.
type HealthReporter interface {
	Health() recognition.Health
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Frames      FrameSource
	Enroll      Enroller
	Door        door.Commander
	Mode        ModeSwitch
	Events      EventLog
	Recognition HealthReporter
	StreamFPS   int
	Debug       bool
}

type api struct {
	Deps
	log  *slog.Logger
	poll time.Duration
}

// NewHandler builds the gin engine.
func NewHandler(d Deps) http.Handler {
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if d.StreamFPS <= 0 {
		d.StreamFPS = 30
	}

	g := gin.New()
	a := &api{Deps: d, log: slog.With("component", "web"), poll: 100 * time.Millisecond}
	a.setupRouter(g)
	return g
}

func (a *api) setupRouter(r *gin.Engine) {
	r.Use(
		gin.CustomRecovery(func(c *gin.Context, err any) {
			slog.ErrorContext(c.Request.Context(), "panic", "err", err, "stack", string(debug.Stack()))
			c.AbortWithStatus(http.StatusInternalServerError)
		}),
		requestLogger(a.log),
	)

	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
		AllowOriginFunc: func(_ string) bool {
			return true
		},
	}))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})

	r.GET("/video_feed", a.videoFeed)
	r.GET("/health", a.health)

	r.POST("/open-door", a.openDoor)
	r.POST("/change-password", a.changePassword)
	r.POST("/api/door/activate", a.activate)
	r.POST("/api/door/deactivate", a.deactivate)

	r.POST("/pause_registration", a.pause)
	r.POST("/resume_registration", a.resume)

	r.POST("/api/add_face", a.addFace)
	r.GET("/api/add_face/status/:id", a.jobStatus)
	r.GET("/api/add_face/jobs", a.listJobs)

	r.GET("/api/logs", gzip.Gzip(gzip.DefaultCompression), a.listLogs)
}

// requestLogger logs each request at debug level, skipping the long-lived stream.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/video_feed" {
			return
		}
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
