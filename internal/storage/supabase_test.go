package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/workflowlens/runner/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDownload_Success(t *testing.T) {
	var gotAuth, gotKey, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		gotPath = r.URL.EscapedPath()
		w.Write([]byte("video-bytes"))
	}))
	defer server.Close()

	c := NewSupabaseClient(server.URL+"/", "service-key", testLogger())

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "videos", "user 1/clip.mp4", &buf)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if n != int64(len("video-bytes")) || buf.String() != "video-bytes" {
		t.Errorf("Download() = %d, %q", n, buf.String())
	}
	if gotAuth != "Bearer service-key" || gotKey != "service-key" {
		t.Errorf("auth headers = %q, %q", gotAuth, gotKey)
	}
	if gotPath != "/storage/v1/object/videos/user%201/clip.mp4" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestDownload_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := NewSupabaseClient(server.URL, "k", testLogger())
	_, err := c.Download(context.Background(), "videos", "a.mp4", io.Discard)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestDownload_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   apperr.Kind
	}{
		{http.StatusNotFound, apperr.KindStorage},
		{http.StatusForbidden, apperr.KindStorage},
		{http.StatusInternalServerError, apperr.KindStorage},
		{http.StatusBadGateway, apperr.KindNetwork},
		{http.StatusServiceUnavailable, apperr.KindNetwork},
		{http.StatusGatewayTimeout, apperr.KindNetwork},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		c := NewSupabaseClient(server.URL, "k", testLogger())
		_, err := c.Download(context.Background(), "videos", "a.mp4", io.Discard)
		server.Close()

		if got := apperr.KindOf(err); got != tt.want {
			t.Errorf("HTTP %d: kind = %s, want %s", tt.status, got, tt.want)
		}
		var herr *HTTPError
		if !errors.As(err, &herr) || herr.StatusCode != tt.status {
			t.Errorf("HTTP %d: expected *HTTPError, got %v", tt.status, err)
		}
		if !strings.Contains(err.Error(), "storage") {
			t.Errorf("HTTP %d: error %q should mention storage", tt.status, err)
		}
	}
}

func TestDownload_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewSupabaseClient(url, "k", testLogger())
	_, err := c.Download(context.Background(), "videos", "a.mp4", io.Discard)
	if apperr.KindOf(err) != apperr.KindNetwork {
		t.Fatalf("error = %v, want network", err)
	}
}

func TestDownload_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := NewSupabaseClient(server.URL, "k", testLogger())
	c.httpClient.Timeout = 20 * time.Millisecond
	_, err := c.Download(context.Background(), "videos", "a.mp4", io.Discard)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestUpload(t *testing.T) {
	var gotType, gotUpsert, gotMethod string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotUpsert = r.Header.Get("x-upsert")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"Key":"results/u/j/analysis_result.json"}`))
	}))
	defer server.Close()

	c := NewSupabaseClient(server.URL, "k", testLogger())
	data := []byte(`{"segments":[]}`)
	if err := c.Upload(context.Background(), "results", "u/j/analysis_result.json", data, ""); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if gotMethod != http.MethodPost || gotUpsert != "true" {
		t.Errorf("method = %s, x-upsert = %q", gotMethod, gotUpsert)
	}
	if !strings.HasPrefix(gotType, "application/json") {
		t.Errorf("sniffed content type = %q", gotType)
	}
	if !bytes.Equal(gotBody, data) {
		t.Errorf("body = %q", gotBody)
	}

	if err := c.Upload(context.Background(), "results", "u/j/analysis_report.md", []byte("# r"), "text/markdown"); err != nil {
		t.Fatal(err)
	}
	if gotType != "text/markdown" {
		t.Errorf("explicit content type = %q", gotType)
	}
}

func TestPublicURL(t *testing.T) {
	c := NewSupabaseClient("https://proj.supabase.co", "k", testLogger())
	got := c.PublicURL("results", "user-1/job-1/analysis_result.json")
	if got != "https://proj.supabase.co/storage/v1/object/public/results/user-1/job-1/analysis_result.json" {
		t.Errorf("PublicURL() = %q", got)
	}
}

func TestParsePublicURL(t *testing.T) {
	bucket, path, err := ParsePublicURL("https://proj.supabase.co/storage/v1/object/public/videos/user-1/My%20Clip.mp4?t=1")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "videos" || path != "user-1/My Clip.mp4" {
		t.Errorf("ParsePublicURL() = %q, %q", bucket, path)
	}

	for _, bad := range []string{
		"https://example.com/videos/a.mp4",
		"https://proj.supabase.co/storage/v1/object/public/videos",
		"https://proj.supabase.co/storage/v1/object/public//a.mp4",
	} {
		if _, _, err := ParsePublicURL(bad); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("ParsePublicURL(%q) error = %v, want validation", bad, err)
		}
	}
}
