package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestError_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Conflict(rec, "already_running", "job already running")

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Code != "already_running" || body.Error != "job already running" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestInternalError_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	InternalError(rec, errors.New("pq: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Errorf("internal error leaked: %s", rec.Body.String())
	}
}

func TestDecode(t *testing.T) {
	var dst struct{ Date string }

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"date":"2026-03-01"}`))
	if !Decode(httptest.NewRecorder(), req, &dst) || dst.Date != "2026-03-01" {
		t.Errorf("valid body not decoded: %+v", dst)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	if !Decode(httptest.NewRecorder(), req, &dst) {
		t.Error("empty body should be accepted")
	}

	rec := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{bad`))
	if Decode(rec, req, &dst) || rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body accepted, status %d", rec.Code)
	}
}
