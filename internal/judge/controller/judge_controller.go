package controller

import (
	"net/http"

	"codehakam/internal/judge/service"
	"codehakam/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JudgeController serves the judge status and health endpoints.
type JudgeController struct {
	status *service.StatusService
}

// NewJudgeController creates a new controller.
func NewJudgeController(status *service.StatusService) *JudgeController {
	return &JudgeController{status: status}
}

// Status returns the pool snapshot with uptime.
func (h *JudgeController) Status(c *gin.Context) {
	response.Success(c, h.status.JudgeStatus(c.Request.Context()))
}

// Workers returns the per-worker snapshot.
func (h *JudgeController) Workers(c *gin.Context) {
	response.Success(c, h.status.Workers())
}

// Queue returns the work queue and dead-letter gauges.
func (h *JudgeController) Queue(c *gin.Context) {
	status, err := h.status.QueueStatus(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Health probes dependencies. Load balancers read the status code, people
// read the body, so the report skips the response envelope.
func (h *JudgeController) Health(c *gin.Context) {
	report, healthy := h.status.Health(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}
