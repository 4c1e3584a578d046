package controller

import (
	"strconv"

	"codehakam/internal/judge/service"
	pkgrepo "codehakam/pkg/repository"
	"codehakam/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionController handles submission intake and reads.
type SubmissionController struct {
	submissions *service.SubmissionService
}

// NewSubmissionController creates a new controller.
func NewSubmissionController(submissions *service.SubmissionService) *SubmissionController {
	return &SubmissionController{submissions: submissions}
}

// Create accepts a new submission.
func (h *SubmissionController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	receipt, err := h.submissions.Submit(c.Request.Context(), service.SubmitInput{
		UserID:        req.UserID,
		ProblemID:     req.ProblemID,
		Language:      req.Language,
		SourceCode:    req.SourceCode,
		TimeLimitMs:   req.TimeLimitMs,
		MemoryLimitMB: req.MemoryLimitMB,
		TestCount:     req.TestCount,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, receipt)
}

// Get returns one submission.
func (h *SubmissionController) Get(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	sub, err := h.submissions.GetSubmission(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

// ListByUser returns a user's submissions, newest first.
func (h *SubmissionController) ListByUser(c *gin.Context) {
	opts := parseListOptions(c)
	subs, total, err := h.submissions.ListByUser(c.Request.Context(), c.Param("userId"), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithPagination(c, subs, total, opts.Limit, opts.Offset)
}

// ListByProblem returns a problem's submissions, newest first.
func (h *SubmissionController) ListByProblem(c *gin.Context) {
	opts := parseListOptions(c)
	subs, total, err := h.submissions.ListByProblem(c.Request.Context(), c.Param("problemId"), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithPagination(c, subs, total, opts.Limit, opts.Offset)
}

// parseListOptions reads limit/offset query params. Bad values fall back to
// the defaults instead of failing the request.
func parseListOptions(c *gin.Context) pkgrepo.ListOptions {
	opts := pkgrepo.ListOptions{}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil {
		opts.Offset = v
	}
	opts.Normalize()
	return opts
}

// SubmitRequest defines the submission payload.
type SubmitRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	ProblemID     string `json:"problem_id" binding:"required"`
	Language      string `json:"language" binding:"required"`
	SourceCode    string `json:"code" binding:"required"`
	TimeLimitMs   int    `json:"time_limit_ms"`
	MemoryLimitMB int    `json:"memory_limit_mb"`
	TestCount     int    `json:"test_count"`
}
