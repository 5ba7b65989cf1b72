package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"emberci/pkg/storage"
)

// listRuns returns every live run, ordered by start time.
func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.scheduler.Snapshot()})
}

// listJobRuns returns the live builds of one job plus its archived
// history.
func (s *Server) listJobRuns(c *gin.Context) {
	name := c.Param("name")
	limit := 25
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	resp := gin.H{"live": s.scheduler.JobRuns(name)}
	if s.store != nil {
		history, err := s.store.ListHistory(c.Request.Context(), name, limit)
		if err != nil {
			s.log.Error("failed to list run history", zap.String("job", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		resp["history"] = history
	}
	c.JSON(http.StatusOK, resp)
}

// getRun returns one run, live or archived.
func (s *Server) getRun(c *gin.Context) {
	name, build, ok := runParams(c)
	if !ok {
		return
	}

	for _, v := range s.scheduler.JobRuns(name) {
		if v.Build == build {
			c.JSON(http.StatusOK, v)
			return
		}
	}

	if s.store != nil {
		rec, err := s.store.GetRun(c.Request.Context(), name, build)
		if err == nil {
			c.JSON(http.StatusOK, rec)
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("failed to load run", zap.String("job", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
}

// getRunLog streams the archived log of a finished run.
func (s *Server) getRunLog(c *gin.Context) {
	name, build, ok := runParams(c)
	if !ok {
		return
	}
	if s.store == nil || s.logStore == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log archive not configured"})
		return
	}

	rec, err := s.store.GetRun(c.Request.Context(), name, build)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	data, err := s.logStore.Retrieve(c.Request.Context(), rec.LogRef)
	if err != nil {
		s.log.Error("failed to retrieve run log", zap.String("ref", rec.LogRef), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load log"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// triggerJob enqueues a new build of a job.
func (s *Server) triggerJob(c *gin.Context) {
	name := c.Param("name")

	var body struct {
		Params map[string]string `json:"params"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	s.scheduler.Trigger(name, body.Params)
	c.JSON(http.StatusAccepted, gin.H{"job": name, "status": "queued"})
}

// abortRun cancels a live run. Cleanup scripts still execute.
func (s *Server) abortRun(c *gin.Context) {
	name, build, ok := runParams(c)
	if !ok {
		return
	}
	if err := s.scheduler.Abort(name, build); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "build": build, "status": "aborting"})
}

func runParams(c *gin.Context) (string, uint, bool) {
	name := c.Param("name")
	build, err := strconv.ParseUint(c.Param("build"), 10, 32)
	if err != nil || build == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid build number"})
		return "", 0, false
	}
	return name, uint(build), true
}
