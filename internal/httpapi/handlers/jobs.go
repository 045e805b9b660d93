package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/crewjobs/internal/common"
	"github.com/suPer8Hu/crewjobs/internal/crew"
	"github.com/suPer8Hu/crewjobs/internal/httpapi/middleware"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 128
	maxRequestBytes      = 64 << 10
)

type submitResp struct {
	JobID          string         `json:"job_id"`
	Status         jobs.Status    `json:"status"`
	CheckStatusURL string         `json:"check_status_url"`
	Message        string         `json:"message"`
	Error          *jobs.JobError `json:"error,omitempty"`
}

// SubmitQuery accepts an analysis request and returns before any work runs.
func (h *Handler) SubmitQuery(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLen {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
	raw, err := c.GetRawData()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if ctxRaw, ok := obj["context"]; ok && string(ctxRaw) != "null" {
		var m map[string]any
		if err := json.Unmarshal(ctxRaw, &m); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "context must be an object")
			return
		}
	}
	req, err := crew.ParseRequest(raw)
	if err != nil {
		if req.Question == "" {
			common.Fail(c, http.StatusBadRequest, 10004, "question required")
			return
		}
		common.Fail(c, http.StatusBadRequest, 10001, err.Error())
		return
	}

	job, created, err := h.Jobs.Submit(c.Request.Context(), raw, c.GetString(middleware.SubjectKey), key)
	if err != nil {
		h.Logger.ErrorContext(c.Request.Context(), "submit failed",
			"request_id", c.GetString(middleware.RequestIDKey), "error", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	status := http.StatusAccepted
	msg := "Analysis started. Poll check_status_url for the result."
	if !created {
		status = http.StatusOK
		msg = "Existing job returned for this idempotency key."
	}
	if job.Status == jobs.StatusFailed && job.Error != nil && job.Error.Kind == jobs.KindDispatch {
		msg = "Job could not be dispatched."
	}

	common.OK(c, status, submitResp{
		JobID:          job.ID,
		Status:         job.Status,
		CheckStatusURL: "/status/" + job.ID,
		Message:        msg,
		Error:          job.Error,
	})
}

type statusResp struct {
	JobID     string          `json:"job_id"`
	Status    jobs.Status     `json:"status"`
	Question  string          `json:"question,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *jobs.JobError  `json:"error,omitempty"`
}

// JobStatus reports the stored state of a job. It never changes it.
func (h *Handler) JobStatus(c *gin.Context) {
	id := strings.TrimSpace(c.Param("job_id"))
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	job, err := h.Jobs.Status(c.Request.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}
	if err != nil {
		h.Logger.ErrorContext(c.Request.Context(), "status lookup failed",
			"job_id", id, "request_id", c.GetString(middleware.RequestIDKey), "error", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, http.StatusOK, statusResp{
		JobID:     job.ID,
		Status:    job.Status,
		Question:  questionOf(job.Request),
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Result:    job.Result,
		Error:     job.Error,
	})
}

// questionOf echoes the submitted question so pollers can correlate results.
func questionOf(request json.RawMessage) string {
	var r struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(request, &r); err != nil {
		return ""
	}
	return strings.TrimSpace(r.Question)
}
