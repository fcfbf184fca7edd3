package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusNotFound, ErrCodeNotFound, "Webhook not found", nil)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "Not Found" || body.Code != ErrCodeNotFound || body.Message != "Webhook not found" || body.Details != nil {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestWriteInvalidInput(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteInvalidInput(rr, "url", "URL scheme must be http or https")

	var body struct {
		Code    string     `json:"code"`
		Details FieldError `json:"details"`
	}
	json.NewDecoder(rr.Body).Decode(&body)

	if rr.Code != http.StatusBadRequest || body.Code != ErrCodeInvalidInput {
		t.Errorf("got %d %s", rr.Code, body.Code)
	}
	if body.Details.Field != "url" {
		t.Errorf("details = %+v", body.Details)
	}
}
