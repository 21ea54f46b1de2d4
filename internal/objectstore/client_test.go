package objectstore

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := New(Config{
		Endpoint:  serverURL,
		Bucket:    "media",
		Region:    "auto",
		AccessKey: "test-access",
		SecretKey: "test-secret",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.now = func() time.Time {
		return time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)
	}
	return client
}

func TestCreateMultipartUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/media/uploads/uncategorized/1-clip.mp4" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !r.URL.Query().Has("uploads") {
			t.Errorf("expected uploads marker in query, got %q", r.URL.RawQuery)
		}
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=test-access/") {
			t.Errorf("request should carry a SigV4 authorization header, got %q", auth)
		}
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<InitiateMultipartUploadResult>
  <Bucket>media</Bucket>
  <Key>uploads/uncategorized/1-clip.mp4</Key>
  <UploadId>upload-handle-123</UploadId>
</InitiateMultipartUploadResult>`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	uploadID, err := client.CreateMultipartUpload(context.Background(), "uploads/uncategorized/1-clip.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("create multipart upload: %v", err)
	}
	if uploadID != "upload-handle-123" {
		t.Fatalf("unexpected upload id %q", uploadID)
	}
}

func TestCreateMultipartUploadRejectsEmptyHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `<InitiateMultipartUploadResult><UploadId></UploadId></InitiateMultipartUploadResult>`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.CreateMultipartUpload(context.Background(), "uploads/x", "video/mp4"); err == nil {
		t.Fatal("expected error for empty upload id")
	}
}

func TestCompleteMultipartUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.URL.Query().Get("uploadId"); got != "upload-handle-123" {
			t.Errorf("unexpected uploadId %q", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var manifest completeMultipartUploadRequest
		if err := xml.Unmarshal(body, &manifest); err != nil {
			t.Errorf("decode manifest: %v", err)
		}
		if len(manifest.Parts) != 2 || manifest.Parts[0].PartNumber != 1 || manifest.Parts[1].ETag != `"etag-2"` {
			t.Errorf("unexpected manifest %+v", manifest.Parts)
		}
		io.WriteString(w, `<CompleteMultipartUploadResult>
  <Location>https://media.example.com/uploads/x/clip.mp4</Location>
  <Bucket>media</Bucket>
  <Key>uploads/x/clip.mp4</Key>
  <ETag>"final"</ETag>
</CompleteMultipartUploadResult>`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	location, err := client.CompleteMultipartUpload(context.Background(), "uploads/x/clip.mp4", "upload-handle-123", []CompletedPart{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
	})
	if err != nil {
		t.Fatalf("complete multipart upload: %v", err)
	}
	if location != "https://media.example.com/uploads/x/clip.mp4" {
		t.Fatalf("unexpected location %q", location)
	}
}

func TestCompleteMultipartUploadRequiresParts(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")
	if _, err := client.CompleteMultipartUpload(context.Background(), "uploads/x", "handle", nil); err == nil {
		t.Fatal("expected error when no parts are supplied")
	}
}

func TestAbortMultipartUpload(t *testing.T) {
	var gotMethod, gotUploadID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUploadID = r.URL.Query().Get("uploadId")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.AbortMultipartUpload(context.Background(), "uploads/x/clip.mp4", "handle-9"); err != nil {
		t.Fatalf("abort multipart upload: %v", err)
	}
	if gotMethod != http.MethodDelete || gotUploadID != "handle-9" {
		t.Fatalf("unexpected abort request: method=%s uploadId=%s", gotMethod, gotUploadID)
	}
}

func TestDeleteObject(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.DeleteObject(context.Background(), "uploads/x/clip.mp4"); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/media/uploads/x/clip.mp4" {
		t.Fatalf("unexpected delete request: method=%s path=%s", gotMethod, gotPath)
	}
}

func TestDeleteObjectTreatsMissingAsDeleted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.DeleteObject(context.Background(), "uploads/x/clip.mp4"); err != nil {
		t.Fatalf("delete of a missing object should succeed: %v", err)
	}
}

func TestPresignPartUpload(t *testing.T) {
	client := newTestClient(t, "http://store.local:9000")

	signed, err := client.PresignPartUpload("uploads/x/clip.mp4", "handle-1", 3)
	if err != nil {
		t.Fatalf("presign part upload: %v", err)
	}

	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if parsed.Path != "/media/uploads/x/clip.mp4" {
		t.Fatalf("unexpected path %q", parsed.Path)
	}

	query := parsed.Query()
	if got := query.Get("partNumber"); got != "3" {
		t.Fatalf("unexpected partNumber %q", got)
	}
	if got := query.Get("uploadId"); got != "handle-1" {
		t.Fatalf("unexpected uploadId %q", got)
	}
	if got := query.Get("X-Amz-Algorithm"); got != "AWS4-HMAC-SHA256" {
		t.Fatalf("unexpected algorithm %q", got)
	}
	if got := query.Get("X-Amz-Expires"); got != "3600" {
		t.Fatalf("unexpected expiry %q", got)
	}
	if got := query.Get("X-Amz-SignedHeaders"); got != "host" {
		t.Fatalf("unexpected signed headers %q", got)
	}
	if got := query.Get("X-Amz-Credential"); !strings.HasPrefix(got, "test-access/20240305/auto/s3/aws4_request") {
		t.Fatalf("unexpected credential scope %q", got)
	}
	signature := query.Get("X-Amz-Signature")
	if len(signature) != 64 {
		t.Fatalf("signature should be 64 hex characters, got %q", signature)
	}

	again, err := client.PresignPartUpload("uploads/x/clip.mp4", "handle-1", 3)
	if err != nil {
		t.Fatalf("presign part upload again: %v", err)
	}
	if signed != again {
		t.Fatal("presigning with a fixed clock should be deterministic")
	}
}

func TestPresignPartUploadRejectsBadPartNumber(t *testing.T) {
	client := newTestClient(t, "http://store.local:9000")
	if _, err := client.PresignPartUpload("uploads/x", "handle", 0); err == nil {
		t.Fatal("expected error for part number below 1")
	}
}

func TestPresignDownloadUsesCustomExpiry(t *testing.T) {
	client := newTestClient(t, "http://store.local:9000")

	signed, err := client.PresignDownload("uploads/x/clip.mp4", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign download: %v", err)
	}
	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if got := parsed.Query().Get("X-Amz-Expires"); got != "900" {
		t.Fatalf("unexpected expiry %q", got)
	}
}

func TestNewRequiresConfiguration(t *testing.T) {
	type testCase struct {
		name string
		cfg  Config
	}

	cases := []testCase{
		{name: "missing bucket", cfg: Config{Endpoint: "store.local", AccessKey: "a", SecretKey: "s"}},
		{name: "missing endpoint", cfg: Config{Bucket: "media", AccessKey: "a", SecretKey: "s"}},
		{name: "missing credentials", cfg: Config{Endpoint: "store.local", Bucket: "media"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestPublicURL(t *testing.T) {
	client, err := New(Config{
		Endpoint:       "store.local:9000",
		Bucket:         "media",
		AccessKey:      "a",
		SecretKey:      "s",
		PublicEndpoint: "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.PublicURL("/uploads/x/clip.mp4"); got != "https://cdn.example.com/uploads/x/clip.mp4" {
		t.Fatalf("unexpected public url %q", got)
	}
}
