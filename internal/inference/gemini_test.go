package inference

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workflowlens/runner/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.seg0_600.mp4")
	// ftyp box so the content sniffs as mp4
	data := append([]byte{0, 0, 0, 0x18}, []byte("ftypmp42\x00\x00\x00\x00mp42isom")...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGeminiClient_Upload(t *testing.T) {
	var uploadedBytes int64
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		switch r.URL.Path {
		case "/upload/v1beta/files":
			if r.Header.Get("X-Goog-Upload-Command") != "start" {
				t.Errorf("start command = %q", r.Header.Get("X-Goog-Upload-Command"))
			}
			if !strings.HasPrefix(r.Header.Get("X-Goog-Upload-Header-Content-Type"), "video/") {
				t.Errorf("content type = %q", r.Header.Get("X-Goog-Upload-Header-Content-Type"))
			}
			w.Header().Set("X-Goog-Upload-URL", server.URL+"/session/1")
			w.WriteHeader(http.StatusOK)
		case "/session/1":
			body, _ := io.ReadAll(r.Body)
			uploadedBytes = int64(len(body))
			if r.Header.Get("X-Goog-Upload-Command") != "upload, finalize" {
				t.Errorf("upload command = %q", r.Header.Get("X-Goog-Upload-Command"))
			}
			json.NewEncoder(w).Encode(map[string]any{"file": map[string]string{
				"name": "files/abc", "uri": "https://files/abc", "mimeType": "video/mp4", "state": "PROCESSING",
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	path := writeTempVideo(t)
	client := NewGeminiClient(GeminiConfig{BaseURL: server.URL, APIKey: "test-key", Model: "gemini-2.5-pro"}, testLogger())

	h, err := client.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if h.Name != "files/abc" || h.State != StateUploading {
		t.Errorf("handle = %+v", h)
	}
	info, _ := os.Stat(path)
	if uploadedBytes != info.Size() {
		t.Errorf("uploaded %d bytes, want %d", uploadedBytes, info.Size())
	}
}

func TestGeminiClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 || req.Contents[0].Parts[0].FileData == nil {
			t.Errorf("unexpected request shape: %+v", req)
			return
		}
		if req.Contents[0].Parts[0].FileData.FileURI != "https://files/abc" {
			t.Errorf("file uri = %q", req.Contents[0].Parts[0].FileData.FileURI)
		}
		if req.Contents[0].Parts[1].Text != "describe the workflow" {
			t.Errorf("prompt = %q", req.Contents[0].Parts[1].Text)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"step 1"},{"text":", step 2"}]}}]}`))
	}))
	defer server.Close()

	client := NewGeminiClient(GeminiConfig{BaseURL: server.URL, APIKey: "k", Model: "gemini-2.5-flash"}, testLogger())
	text, err := client.Generate(context.Background(), Handle{Name: "files/abc", URI: "https://files/abc"}, "describe the workflow")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "step 1, step 2" {
		t.Errorf("text = %q", text)
	}
}

func TestGeminiClient_Generate_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer server.Close()

	client := NewGeminiClient(GeminiConfig{BaseURL: server.URL, Model: "m"}, testLogger())
	_, err := client.Generate(context.Background(), Handle{URI: "u"}, "p")
	if err == nil || !strings.Contains(err.Error(), "SAFETY") {
		t.Fatalf("error = %v, want block reason", err)
	}
	if apperr.KindOf(err) != apperr.KindRemoteAPI {
		t.Errorf("kind = %s", apperr.KindOf(err))
	}
}

func TestGeminiClient_ErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   apperr.Kind
		msg    string
	}{
		{http.StatusTooManyRequests, apperr.KindQuota, "quota"},
		{http.StatusForbidden, apperr.KindAuth, "api key"},
		{http.StatusInternalServerError, apperr.KindRemoteAPI, "HTTP 500"},
		{http.StatusBadRequest, apperr.KindValidation, "HTTP 400"},
		{http.StatusNotFound, apperr.KindNotFound, "HTTP 404"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			client := NewGeminiClient(GeminiConfig{BaseURL: server.URL, Model: "m"}, testLogger())
			_, err := client.Status(context.Background(), "files/abc")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not contain %q", err, tt.msg)
			}
		})
	}
}

func TestGeminiClient_DeleteMissingIsNotAnError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodDelete || r.URL.Path != "/v1beta/files/abc" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewGeminiClient(GeminiConfig{BaseURL: server.URL, Model: "m"}, testLogger())
	if err := client.Delete(context.Background(), "files/abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestResolveModel(t *testing.T) {
	m, err := ResolveModel("Flash-Lite")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if m.Name != "gemini-2.5-flash-lite" || m.MaxSegmentMinutes != 30 {
		t.Errorf("model = %+v", m)
	}
	if _, err := ResolveModel("ultra"); err == nil {
		t.Error("expected error for unknown model")
	}
}

type scriptedStatus struct {
	states []State
	errs   []error
	calls  atomic.Int32
}

func (s *scriptedStatus) Upload(context.Context, string) (Handle, error) { return Handle{}, nil }
func (s *scriptedStatus) Generate(context.Context, Handle, string) (string, error) { return "", nil }
func (s *scriptedStatus) Delete(context.Context, string) error { return nil }
func (s *scriptedStatus) Status(context.Context, string) (State, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.states[i], err
}

func TestWaitActive(t *testing.T) {
	notFound := apperr.E(apperr.KindNotFound, "get", &APIError{StatusCode: 404})

	t.Run("becomes active", func(t *testing.T) {
		c := &scriptedStatus{states: []State{"", StateUploading, StateActive}, errs: []error{notFound}}
		if err := WaitActive(context.Background(), c, "files/a", time.Millisecond, time.Second); err != nil {
			t.Fatalf("WaitActive() error = %v", err)
		}
		if c.calls.Load() != 3 {
			t.Errorf("polls = %d, want 3", c.calls.Load())
		}
	})

	t.Run("remote failure stops polling", func(t *testing.T) {
		c := &scriptedStatus{states: []State{StateUploading, StateFailed, StateActive}}
		err := WaitActive(context.Background(), c, "files/a", time.Millisecond, time.Second)
		if apperr.KindOf(err) != apperr.KindHandleFailed {
			t.Fatalf("error = %v, want handle_failed", err)
		}
		if c.calls.Load() != 2 {
			t.Errorf("polls = %d, want 2", c.calls.Load())
		}
	})

	t.Run("bound exceeded", func(t *testing.T) {
		c := &scriptedStatus{states: []State{StateUploading}}
		err := WaitActive(context.Background(), c, "files/a", time.Millisecond, 20*time.Millisecond)
		if apperr.KindOf(err) != apperr.KindTimeout {
			t.Fatalf("error = %v, want timeout", err)
		}
		if !strings.Contains(err.Error(), "timeout") {
			t.Errorf("message %q should mention timeout", err)
		}
	})
}
