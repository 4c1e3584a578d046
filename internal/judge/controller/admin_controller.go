package controller

import (
	"strconv"

	"codehakam/internal/judge/auth"
	"codehakam/internal/judge/service"
	"codehakam/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// AdminController handles the authenticated judge mutations.
type AdminController struct {
	control *service.ControlService
}

// NewAdminController creates a new controller.
func NewAdminController(control *service.ControlService) *AdminController {
	return &AdminController{control: control}
}

// Rejudge resets a finished submission and re-enqueues it.
func (h *AdminController) Rejudge(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	if err := h.control.Rejudge(c.Request.Context(), submissionID, auth.Actor(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RejudgeResponse{SubmissionID: submissionID, Status: "queued"})
}

// ScaleWorkers resizes the worker pool.
func (h *AdminController) ScaleWorkers(c *gin.Context) {
	var req ScaleWorkersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	from, to, err := h.control.ScaleWorkers(c.Request.Context(), req.WorkerCount, auth.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ScaleWorkersResponse{From: from, To: to})
}

// ClearBox force-cleans one sandbox box.
func (h *AdminController) ClearBox(c *gin.Context) {
	boxID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "Invalid box id")
		return
	}
	if err := h.control.ClearBox(c.Request.Context(), boxID, auth.Actor(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ClearBoxResponse{BoxID: boxID, Status: "cleared"})
}

// RejudgeResponse acknowledges a queued rejudge.
type RejudgeResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// ScaleWorkersRequest defines the scaling payload.
type ScaleWorkersRequest struct {
	WorkerCount int `json:"worker_count" binding:"required"`
}

// ScaleWorkersResponse reports the previous and new worker counts.
type ScaleWorkersResponse struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ClearBoxResponse acknowledges a cleaned box.
type ClearBoxResponse struct {
	BoxID  int    `json:"box_id"`
	Status string `json:"status"`
}
