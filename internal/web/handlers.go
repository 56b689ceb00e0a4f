package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/smartlock/internal/capture"
	"github.com/andresmejia3/smartlock/internal/door"
	"github.com/andresmejia3/smartlock/internal/enroll"
	"github.com/andresmejia3/smartlock/internal/eventlog"
	"github.com/andresmejia3/smartlock/internal/types"
)

// manualName is recorded for unlocks issued through the API.
const manualName = "Manual"

func statusFor(err error) int {
	switch {
	case eventlog.IsValidation(err),
		errors.Is(err, enroll.ErrInvalidRequest),
		errors.Is(err, capture.ErrSourceUnavailable),
		errors.Is(err, door.ErrEmptyPassword):
		return http.StatusBadRequest
	case errors.Is(err, enroll.ErrJobAlreadyRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"detail": err.Error()})
}

func (a *api) openDoor(c *gin.Context) {
	if err := a.Door.Unlock(); err != nil {
		a.log.Error("failed to send unlock command", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Failed to send open command: " + err.Error()})
		return
	}
	if _, err := a.Events.Insert(c.Request.Context(), types.EventOpen, manualName); err != nil {
		a.log.Error("failed to record manual unlock", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Door open command sent", "status": "success"})
}

type passwordRequest struct {
	NewPassword string `json:"new_password" form:"new_password"`
}

func (a *api) changePassword(c *gin.Context) {
	var req passwordRequest
	req.NewPassword = c.Query("new_password")
	if req.NewPassword == "" && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, door.ErrEmptyPassword)
			return
		}
	}

	if err := a.Door.ChangePassword(req.NewPassword); err != nil {
		if errors.Is(err, door.ErrEmptyPassword) {
			abortWithError(c, err)
			return
		}
		a.log.Error("failed to send password change", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Failed to change password: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password change command sent", "status": "success"})
}

func (a *api) activate(c *gin.Context) {
	a.lockSystem(c, a.Door.Activate, "activate", "Door system activated")
}

func (a *api) deactivate(c *gin.Context) {
	a.lockSystem(c, a.Door.Deactivate, "deactivate", "Door system deactivated")
}

func (a *api) lockSystem(c *gin.Context, send func() error, action, message string) {
	if err := send(); err != nil {
		a.log.Error("failed to send lock system command", "action", action, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Failed to " + action + ": " + err.Error()})
		return
	}
	if _, err := a.Events.Insert(c.Request.Context(), types.EventLockSystem, action); err != nil {
		a.log.Error("failed to record lock system change", "action", action, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "status": "success"})
}

func (a *api) pause(c *gin.Context) {
	a.Mode.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (a *api) resume(c *gin.Context) {
	a.Mode.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (a *api) addFace(c *gin.Context) {
	var req enroll.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	job, err := a.Enroll.Start(req)
	if err != nil {
		if job.ID == "" {
			abortWithError(c, err)
			return
		}
		// The job exists in error state and can still be polled
		c.AbortWithStatusJSON(statusFor(err), gin.H{"detail": err.Error(), "job_id": job.ID, "status": job.Status})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

func (a *api) jobStatus(c *gin.Context) {
	job, ok := a.Enroll.Jobs().Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *api) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, a.Enroll.Jobs().List())
}

func (a *api) listLogs(c *gin.Context) {
	entries, err := a.Events.Query(c.Request.Context(), c.Query("date"), c.Query("type"))
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			a.log.Error("failed to query logs", "error", err)
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (a *api) health(c *gin.Context) {
	frames := a.Frames.Stats()
	rec := a.Recognition.Health()

	daemon := "running"
	if !rec.SourceUp || frames.Idle {
		daemon = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"daemon":      daemon,
		"mode":        a.Mode.Mode(),
		"enrolling":   a.Enroll.Running(),
		"recognition": rec,
		"stream": gin.H{
			"published":   frames.Published,
			"overwritten": frames.Overwritten,
			"last_at":     frames.LastAt,
		},
		"mqtt": a.Door.Stats(),
	})
}
