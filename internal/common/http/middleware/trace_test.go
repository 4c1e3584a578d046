package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"codehakam/internal/common/http/middleware"
	"codehakam/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

type traceResponse struct {
	TraceID      string `json:"trace_id"`
	RequestID    string `json:"request_id"`
	UserID       string `json:"user_id"`
	CtxTraceID   string `json:"ctx_trace_id"`
	CtxRequestID string `json:"ctx_request_id"`
	CtxUserID    string `json:"ctx_user_id"`
}

func newTraceRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/trace", func(c *gin.Context) {
		traceID, _ := c.Get("trace_id")
		requestID, _ := c.Get("request_id")
		userID, _ := c.Get("user_id")
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, traceResponse{
			TraceID:      toString(traceID),
			RequestID:    toString(requestID),
			UserID:       toString(userID),
			CtxTraceID:   toString(ctx.Value(contextkey.TraceID)),
			CtxRequestID: toString(ctx.Value(contextkey.RequestID)),
			CtxUserID:    toString(ctx.Value(contextkey.UserID)),
		})
	})
	return router
}

func serveTrace(t *testing.T, router *gin.Engine, headers map[string]string) (*httptest.ResponseRecorder, traceResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	router.ServeHTTP(rec, req)

	var resp traceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	return rec, resp
}

func TestTraceContextMiddleware(t *testing.T) {
	router := newTraceRouter(middleware.TraceContextMiddleware())

	cases := []struct {
		name              string
		headers           map[string]string
		expectedTraceID   string
		expectedRequestID string
		expectedUserID    string
	}{
		{
			name:    "generate trace and request id",
			headers: nil,
		},
		{
			name: "preserve trace request and user id",
			headers: map[string]string{
				"X-Trace-Id":   "trace-123",
				"X-Request-Id": "req-123",
				"X-User-Id":    "42",
			},
			expectedTraceID:   "trace-123",
			expectedRequestID: "req-123",
			expectedUserID:    "42",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := serveTrace(t, router, tc.headers)

			if resp.TraceID == "" {
				t.Fatalf("expected trace id in response")
			}
			if resp.RequestID == "" {
				t.Fatalf("expected request id in response")
			}
			if tc.expectedTraceID != "" && resp.TraceID != tc.expectedTraceID {
				t.Fatalf("expected trace id %s, got %s", tc.expectedTraceID, resp.TraceID)
			}
			if tc.expectedRequestID != "" && resp.RequestID != tc.expectedRequestID {
				t.Fatalf("expected request id %s, got %s", tc.expectedRequestID, resp.RequestID)
			}
			if tc.expectedUserID != "" && resp.UserID != tc.expectedUserID {
				t.Fatalf("expected user id %s, got %s", tc.expectedUserID, resp.UserID)
			}

			if resp.CtxTraceID != resp.TraceID {
				t.Fatalf("expected trace id %s in request context, got %s", resp.TraceID, resp.CtxTraceID)
			}
			if resp.CtxRequestID != resp.RequestID {
				t.Fatalf("expected request id %s in request context, got %s", resp.RequestID, resp.CtxRequestID)
			}
			if resp.CtxUserID != tc.expectedUserID {
				t.Fatalf("expected user id %q in request context, got %q", tc.expectedUserID, resp.CtxUserID)
			}

			if rec.Header().Get("X-Trace-Id") != resp.TraceID {
				t.Fatalf("expected trace id header %s, got %s", resp.TraceID, rec.Header().Get("X-Trace-Id"))
			}
			if rec.Header().Get("X-Request-Id") != resp.RequestID {
				t.Fatalf("expected request id header %s, got %s", resp.RequestID, rec.Header().Get("X-Request-Id"))
			}
			if rec.Header().Get("X-User-Id") != tc.expectedUserID {
				t.Fatalf("expected user id header %q, got %q", tc.expectedUserID, rec.Header().Get("X-User-Id"))
			}
		})
	}
}

func TestTraceContextMiddlewareIgnoresUserIDWhenDisallowed(t *testing.T) {
	router := newTraceRouter(middleware.TraceContextMiddlewareWithConfig(middleware.TraceContextConfig{
		AllowUserIDHeader: false,
		WriteUserIDHeader: true,
	}))

	rec, resp := serveTrace(t, router, map[string]string{"X-User-Id": "42"})

	if resp.UserID != "" || resp.CtxUserID != "" {
		t.Fatalf("expected user id to be ignored, got %q and %q", resp.UserID, resp.CtxUserID)
	}
	if rec.Header().Get("X-User-Id") != "" {
		t.Fatalf("unexpected user id header %q", rec.Header().Get("X-User-Id"))
	}
	if resp.TraceID == "" || resp.RequestID == "" {
		t.Fatalf("expected generated trace and request ids")
	}
}

func toString(value interface{}) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	default:
		return ""
	}
}
