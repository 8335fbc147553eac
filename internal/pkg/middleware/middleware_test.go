package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
)

func bufferLogger(level string) (*logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: level, Format: "json", Output: &buf}), &buf
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := r.Context().Value(logger.RequestIDKey).(string)
		if reqID == "" {
			t.Error("expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates new request ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ping", nil))

		reqID := rec.Header().Get(RequestIDHeader)
		if len(reqID) != 32 {
			t.Errorf("expected request ID length 32, got %d (%q)", len(reqID), reqID)
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set(RequestIDHeader, "existing-id-123")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get(RequestIDHeader); got != "existing-id-123" {
			t.Errorf("expected preserved request ID, got %s", got)
		}
	})
}

func TestLogging(t *testing.T) {
	log, logBuf := bufferLogger("info")

	handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ping", nil))

	out := logBuf.String()
	for _, want := range []string{"request completed", "GET", "/ping", "200", "duration_ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log, got: %s", want, out)
		}
	}
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		expectedLevel string
	}{
		{"2xx logs info", 200, "INFO"},
		{"3xx logs info", 302, "INFO"},
		{"4xx logs warn", 404, "WARN"},
		{"5xx logs error", 500, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, logBuf := bufferLogger("debug")

			handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/frames", nil))

			if !strings.Contains(logBuf.String(), tt.expectedLevel) {
				t.Errorf("expected log level %s, got: %s", tt.expectedLevel, logBuf.String())
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	log, logBuf := bufferLogger("info")

	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("render exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/render/0,0,1,1,2,2,1,1", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("expected INTERNAL_ERROR in body, got: %s", rec.Body.String())
	}
	if !strings.Contains(logBuf.String(), "panic recovered") || !strings.Contains(logBuf.String(), "render exploded") {
		t.Errorf("expected panic in log, got: %s", logBuf.String())
	}
}

func TestTimeout(t *testing.T) {
	handler := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("expected deadline on request context")
		}
		if time.Until(deadline) > 10*time.Millisecond {
			t.Error("deadline too far in the future")
		}
		<-r.Context().Done()
		if r.Context().Err() != context.DeadlineExceeded {
			t.Errorf("expected deadline exceeded, got %v", r.Context().Err())
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil))
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		rw := wrapResponseWriter(httptest.NewRecorder())
		rw.WriteHeader(http.StatusCreated)
		if rw.status != http.StatusCreated {
			t.Errorf("expected status 201, got %d", rw.status)
		}
	})

	t.Run("captures size", func(t *testing.T) {
		rw := wrapResponseWriter(httptest.NewRecorder())
		_, _ = rw.Write([]byte("hello world"))
		if rw.size != 11 {
			t.Errorf("expected size 11, got %d", rw.size)
		}
	})

	t.Run("only writes header once", func(t *testing.T) {
		rw := wrapResponseWriter(httptest.NewRecorder())
		rw.WriteHeader(http.StatusCreated)
		rw.WriteHeader(http.StatusOK)
		if rw.status != http.StatusCreated {
			t.Errorf("expected status 201, got %d", rw.status)
		}
	})
}

func TestWrapHandler(t *testing.T) {
	log, _ := bufferLogger("info")

	t.Run("successful handler", func(t *testing.T) {
		handler := WrapHandler(log, func(w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusOK)
			return nil
		})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/frames/frm_1", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("handler with error", func(t *testing.T) {
		handler := WrapHandler(log, func(w http.ResponseWriter, r *http.Request) error {
			return errors.NotFound("frame", "frm_1")
		})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/frames/frm_1", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}

		var body map[string]errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON body: %v", err)
		}
		if body["error"].Code != errors.CodeNotFound {
			t.Errorf("expected NOT_FOUND, got %s", body["error"].Code)
		}
		if body["error"].Details["id"] != "frm_1" {
			t.Errorf("expected details.id=frm_1, got %v", body["error"].Details)
		}
	})
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		code     errors.Code
		message  string
		details  map[string]any
		expected int
	}{
		{"validation error", errors.CodeValidation, `tiles must be "positive"`, map[string]any{"field": "tiles"}, 400},
		{"queue full", errors.CodeResourceExhausted, "job queue is full", nil, 429},
		{"internal error", errors.CodeInternal, "unexpected error", nil, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			WriteErrorResponse(rec, tt.code, tt.message, tt.details)

			if rec.Code != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, rec.Code)
			}

			var body map[string]errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if body["error"].Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, body["error"].Message)
			}
		})
	}
}

func TestGenerateRequestID(t *testing.T) {
	id1 := generateRequestID()
	id2 := generateRequestID()

	if id1 == id2 {
		t.Error("expected unique request IDs")
	}
	if len(id1) != 32 {
		t.Errorf("expected length 32, got %d", len(id1))
	}
}
