package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"qms/access-service/internal/identity"
	"qms/access-service/internal/models"
	"qms/access-service/internal/session"
)

func TestLoggingMiddlewareTagsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sessions := &fakeSessions{current: &session.Current{Session: models.Session{Subject: "admin-1"}}}
	workflow := fakeWorkflow{rejectFn: func(ctx context.Context, actor identity.CredentialSource, id string) error {
		if RequestID(ctx) != "req-abc" {
			t.Fatalf("expected request id in handler context, got %q", RequestID(ctx))
		}
		return nil
	}}
	h := LoggingMiddleware(logger, NewHandler(Options{Sessions: sessions, Workflow: workflow, Verifier: adminVerifier}).Routes())

	resp := serve(t, h, http.MethodPost, "/api/requests/req-1/reject", nil, append([]string{"X-Request-ID", "req-abc"}, adminAuth...)...)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if got := resp.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["request_id"] != "req-abc" || line["subject"] != "admin-1" {
		t.Fatalf("unexpected log line: %v", line)
	}

	buf.Reset()
	resp = serve(t, h, http.MethodGet, "/healthz", nil)
	generated := resp.Header().Get("X-Request-ID")
	if generated == "" {
		t.Fatalf("expected a generated request id")
	}
	line = nil
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["request_id"] != generated {
		t.Fatalf("expected log to carry %q, got %v", generated, line["request_id"])
	}
	if _, ok := line["subject"]; ok {
		t.Fatalf("anonymous request logged a subject: %v", line)
	}
}
