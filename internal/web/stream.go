package web

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/smartlock/internal/framepub"
)

const boundary = "frame"

// videoFeed streams the latest annotated frame as multipart MJPEG until the client goes away.
func (a *api) videoFeed(c *gin.Context) {
	ctx := c.Request.Context()
	w := c.Writer

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(200)
	w.Flush()

	a.log.Info("stream client connected", "remote", c.ClientIP())
	defer a.log.Info("stream client disconnected", "remote", c.ClientIP())

	interval := time.Second / time.Duration(a.StreamFPS)
	waitingSince := time.Now()
	for {
		frame, ok := a.Frames.Latest()
		delay := interval
		if !ok {
			delay = a.poll
			if time.Since(waitingSince) >= framepub.IdleThreshold {
				a.log.Warn("no frames received from recognition loop", "waited", framepub.IdleThreshold)
				waitingSince = time.Now()
			}
		} else {
			waitingSince = time.Now()
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame.Data)); err != nil {
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			w.Flush()
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
