package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type wrapRequest struct {
	ID     string `path:"id"`
	Size   int    `query:"size"`
	Before int64  `query:"before"`
	Drop   bool   `query:"drop"`
	Name   string `json:"name"`
}

type wrapResponse struct {
	Got    wrapRequest `json:"got"`
	status int
}

func (r *wrapResponse) Status() int {
	return r.status
}

func TestWrap(t *testing.T) {
	var got wrapRequest
	status := http.StatusOK
	h := Wrap(func(ctx context.Context, req wrapRequest) (*wrapResponse, error) {
		got = req
		return &wrapResponse{Got: req, status: status}, nil
	})
	mux := http.NewServeMux()
	mux.Handle("POST /x/{id}", h)

	tests := []struct {
		name   string
		url    string
		body   string
		status int
		want   wrapRequest
		code   int
	}{
		{"params", "/x/abc?size=3&before=12&drop=true", `{"name":"n"}`, 0, wrapRequest{ID: "abc", Size: 3, Before: 12, Drop: true, Name: "n"}, http.StatusOK},
		{"empty body", "/x/abc", "", 0, wrapRequest{ID: "abc"}, http.StatusOK},
		{"no content", "/x/abc", "", http.StatusNoContent, wrapRequest{ID: "abc"}, http.StatusNoContent},
		{"bad int", "/x/abc?size=big", "", 0, wrapRequest{}, http.StatusBadRequest},
		{"bad bool", "/x/abc?drop=maybe", "", 0, wrapRequest{}, http.StatusBadRequest},
		{"unknown field", "/x/abc", `{"other":1}`, 0, wrapRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = wrapRequest{}
			status = http.StatusOK
			if tt.status != 0 {
				status = tt.status
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest("POST", tt.url, strings.NewReader(tt.body)))
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.code, w.Body)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("request (-want +got):\n%s", diff)
			}
			if tt.code == http.StatusNoContent && w.Body.Len() != 0 {
				t.Errorf("204 with body %q", w.Body)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	h := Wrap(func(ctx context.Context, req wrapRequest) (*wrapResponse, error) {
		return nil, context.Canceled
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != 499 {
		t.Errorf("status = %d, want 499", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"INTERNAL_ERROR"`) {
		t.Errorf("body = %s", w.Body)
	}
}
