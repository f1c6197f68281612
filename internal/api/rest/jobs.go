package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/netopslab/fwupgrade/internal/stage"
	"github.com/netopslab/fwupgrade/internal/types"
	"go.uber.org/zap"
)

func parseJobID(c *gin.Context) (int64, bool) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(
			"INVALID_JOB_ID", "Job ID must be an integer", c.Param("id")))
		return 0, false
	}
	return jobID, true
}

// handleJobStatus returns the persisted stage of every device in a job. This
// is the pull-based view of what the status channel streams live.
func (s *Server) handleJobStatus(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	jobs, err := s.store.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		s.logger.Error("Failed to list device jobs", zap.Int64("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			"STORE_ERROR", "Failed to load job status", nil))
		return
	}

	if len(jobs) == 0 {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(
			"JOB_NOT_FOUND", "No devices tracked for this job", jobID))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":  jobID,
		"devices": jobs,
	})
}

// handleJobLogs returns the stage narration for one device of a job.
func (s *Server) handleJobLogs(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	ip := c.Query("ip")
	if ip == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(
			"MISSING_IP", "Query parameter 'ip' is required", nil))
		return
	}

	logs, err := s.store.ListLogs(c.Request.Context(), jobID, ip)
	if err != nil {
		s.logger.Error("Failed to list stage logs",
			zap.Int64("job_id", jobID), zap.String("ip", ip), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(
			"STORE_ERROR", "Failed to load stage logs", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"ip":     ip,
		"logs":   logs,
	})
}

type resetStageRequest struct {
	Stage string `json:"stage" binding:"required"`
}

// handleResetStage rewrites the persisted stage of a device so the next
// batch-start resumes from there. Meant for devices parked at error after an
// operator fixed the underlying problem by hand.
func (s *Server) handleResetStage(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	ip := c.Param("ip")

	var req resetStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(
			"INVALID_REQUEST", "Request body must carry a stage", err.Error()))
		return
	}

	to := stage.Stage(req.Stage)
	if err := s.store.ResetStage(c.Request.Context(), jobID, ip, to); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(
			"RESET_FAILED", "Failed to reset device stage", err.Error()))
		return
	}

	s.logger.Info("Device stage reset",
		zap.Int64("job_id", jobID),
		zap.String("ip", ip),
		zap.String("stage", req.Stage),
		zap.String("by", c.GetString("username")))

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"ip":     ip,
		"stage":  to,
	})
}
