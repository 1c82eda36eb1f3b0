package serverutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRequest struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"min=0,max=3"`
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, ok := RequestFromContext[pingRequest](r.Context())
		if !ok {
			WriteError(rw, http.StatusInternalServerError, "no request")
			return
		}
		WriteJSON(rw, http.StatusOK, req)
	})
}

func TestValidationHandler(t *testing.T) {
	h := NewValidationHandler[pingRequest](echoHandler(), nil)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"valid", http.MethodPost, `{"name":"a","count":2}`, http.StatusOK},
		{"malformed", http.MethodPost, `{"name":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"name":"a","extra":1}`, http.StatusBadRequest},
		{"missing name", http.MethodPost, `{"count":1}`, http.StatusUnprocessableEntity},
		{"count too high", http.MethodPost, `{"name":"a","count":9}`, http.StatusUnprocessableEntity},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/ping", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestValidationHandlerPassesRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	NewValidationHandler[pingRequest](echoHandler(), nil).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/ping", strings.NewReader(`{"name":"b","count":1}`)))

	var got pingRequest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, pingRequest{Name: "b", Count: 1}, got)
}

func TestRunServerShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	go func() {
		done <- RunServer(ctx, mux, ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil, ready)
	}()

	addr := <-ready
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServerListenError(t *testing.T) {
	err := RunServer(context.Background(), http.NotFoundHandler(), ServerConfig{Addr: "256.0.0.1:1"}, nil, nil)
	assert.ErrorContains(t, err, "listen")
}
