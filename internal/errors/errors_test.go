package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONBase(t *testing.T) {
	w := httptest.NewRecorder()
	ErrRouteNotFound.WriteJSON(w)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if p.Status != 404 || p.Title != "Route Not Found" {
		t.Errorf("body = %+v", p)
	}
}

func TestWithDetail(t *testing.T) {
	p := ErrForbidden.WithDetail("source 192.0.2.10 is not in the allowlist")

	if p == ErrForbidden {
		t.Fatal("WithDetail must not mutate the base singleton")
	}
	if p.Status != http.StatusForbidden {
		t.Errorf("status = %d", p.Status)
	}

	w := httptest.NewRecorder()
	p.WriteJSON(w)

	var got Problem
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if got.Detail != "source 192.0.2.10 is not in the allowlist" {
		t.Errorf("detail = %q", got.Detail)
	}
}

func TestWithInstance(t *testing.T) {
	p := ErrRateLimited.WithInstance("req-123")
	if p.Instance != "req-123" {
		t.Errorf("instance = %q", p.Instance)
	}
	if ErrRateLimited.Instance != "" {
		t.Error("base singleton mutated")
	}
}

func TestWrapUnwrap(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	p := Wrap(base, http.StatusBadGateway, "Bad Gateway")

	if !errors.Is(p, base) {
		t.Error("wrapped error not found via errors.Is")
	}
	if p.Error() != "Bad Gateway: dial tcp: connection refused" {
		t.Errorf("Error() = %q", p.Error())
	}
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		p    *Problem
		want int
	}{
		{ErrUnauthorized, 4001},
		{ErrForbidden, 4003},
		{ErrRateLimited, 1008},
		{ErrInternal, 1011},
		{ErrBadGateway, 1011},
	}
	for _, tt := range tests {
		if got := CloseCode(tt.p); got != tt.want {
			t.Errorf("CloseCode(%s) = %d, want %d", tt.p.Title, got, tt.want)
		}
	}
}

func TestValidPeerCloseCode(t *testing.T) {
	valid := []int{1000, 1001, 1008, 1011, 3000, 4999}
	invalid := []int{999, 1005, 1006, 1015, 2000, 5000}

	for _, c := range valid {
		if !ValidPeerCloseCode(c) {
			t.Errorf("code %d should be valid", c)
		}
	}
	for _, c := range invalid {
		if ValidPeerCloseCode(c) {
			t.Errorf("code %d should be invalid", c)
		}
	}
}
