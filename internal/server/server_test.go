package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"clipflow/internal/api"
	"clipflow/internal/auth"
	"clipflow/internal/objectstore"
	"clipflow/internal/storage"
)

type stubObjects struct{}

func (stubObjects) Bucket() string { return "clipflow-media" }

func (stubObjects) CreateMultipartUpload(context.Context, string, string) (string, error) {
	return "upload-1", nil
}

func (stubObjects) PresignPartUpload(key, uploadID string, partNumber int) (string, error) {
	return fmt.Sprintf("https://signed.example.com/%s?partNumber=%d", key, partNumber), nil
}

func (stubObjects) PresignDownload(key string, _ time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

func (stubObjects) CompleteMultipartUpload(context.Context, string, string, []objectstore.CompletedPart) (string, error) {
	return "etag", nil
}

func (stubObjects) AbortMultipartUpload(context.Context, string, string) error {
	return nil
}

func (stubObjects) DeleteObject(context.Context, string) error {
	return nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "clipflow.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	handler := api.NewHandler(store, stubObjects{})
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func startUploadBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"fileName":  "clip.mp4",
		"fileSize":  1024,
		"mimeType":  "video/mp4",
		"assetType": "VIDEO",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(body)
}

func TestServerRequiresBearerToken(t *testing.T) {
	verifier, err := auth.NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	srv := newTestServer(t, Config{Auth: verifier})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want %d", recorder.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health probe status = %d, want %d", recorder.Code, http.StatusOK)
	}
}

func TestServerSetsSecurityHeadersAndRequestID(t *testing.T) {
	srv := newTestServer(t, Config{})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := recorder.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q, want DENY", got)
	}
	if recorder.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated X-Request-Id header")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if got := recorder.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("X-Request-Id = %q, want req-42", got)
	}
}

func TestServerBlocksUnknownCORSOrigin(t *testing.T) {
	srv := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://console.example.com"}}})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("blocked origin status = %d, want %d", recorder.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.Header.Set("Origin", "https://console.example.com")
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("allowed origin status = %d, want %d", recorder.Code, http.StatusOK)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", recorder.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", recorder.Code, http.StatusTooManyRequests)
	}
}

func TestServerThrottlesUploadStarts(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute}})
	chain := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", startUploadBody(t))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.7:4242"
	recorder := httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads", startUploadBody(t))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.7:4242"
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want %d", recorder.Code, http.StatusTooManyRequests)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads", startUploadBody(t))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.8:4242"
	recorder = httptest.NewRecorder()
	chain.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("other client upload status = %d, want %d", recorder.Code, http.StatusCreated)
	}
}
