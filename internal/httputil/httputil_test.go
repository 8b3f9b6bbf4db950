package httputil

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestIsRetryableStatus(t *testing.T) {
	tests := map[int]bool{
		http.StatusOK:                  false,
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
	}
	for code, want := range tests {
		if got := IsRetryableStatus(code); got != want {
			t.Errorf("IsRetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestStatusErrorMessage(t *testing.T) {
	var err error = &StatusError{StatusCode: 503, URL: "https://u.example.com/x"}
	var se *StatusError
	if !errors.As(err, &se) || !se.Retryable() {
		t.Fatalf("expected retryable status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("message missing status: %s", err)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent("1.2.3"); !strings.HasPrefix(ua, "breeze-updater/1.2.3 (") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
