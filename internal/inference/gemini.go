package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/workflowlens/runner/internal/apperr"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	maxErrorBody = 4096
)

// APIError is a non-2xx response from the Gemini API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return fmt.Sprintf("gemini api: rate limit or quota exceeded (HTTP %d): %s", e.StatusCode, e.Body)
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("gemini api: api key rejected (HTTP %d): %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("gemini api: HTTP %d: %s", e.StatusCode, e.Body)
	}
}

// Kind classifies the response for retry decisions.
func (e *APIError) Kind() apperr.Kind {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return apperr.KindQuota
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperr.KindAuth
	case e.StatusCode == http.StatusNotFound:
		return apperr.KindNotFound
	case e.StatusCode >= 500:
		return apperr.KindRemoteAPI
	default:
		return apperr.KindValidation
	}
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string // full model name, e.g. gemini-2.5-pro
	Timeout time.Duration
}

// GeminiClient implements Client over the Gemini REST Files and
// generateContent endpoints.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*GeminiClient)(nil)

func NewGeminiClient(cfg GeminiConfig, logger *slog.Logger) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Minute
	}
	return &GeminiClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type fileResource struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

func (f fileResource) handle() Handle {
	return Handle{Name: f.Name, URI: f.URI, MimeType: f.MimeType, State: parseState(f.State)}
}

func parseState(s string) State {
	switch strings.ToUpper(s) {
	case "ACTIVE":
		return StateActive
	case "FAILED":
		return StateFailed
	default:
		return StateUploading
	}
}

// Upload pushes a local file with the resumable protocol: a start request
// that returns a session URL, then a single upload-and-finalize request.
func (c *GeminiClient) Upload(ctx context.Context, path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return Handle{}, apperr.E(apperr.KindIO, "gemini upload", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Handle{}, apperr.E(apperr.KindIO, "gemini upload", err)
	}

	mime := "video/mp4"
	if mt, err := mimetype.DetectFile(path); err == nil && strings.HasPrefix(mt.String(), "video/") {
		mime = mt.String()
	}

	meta, _ := json.Marshal(map[string]any{
		"file": map[string]string{"display_name": filepath.Base(path)},
	})
	startReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/v1beta/files", bytes.NewReader(meta))
	if err != nil {
		return Handle{}, fmt.Errorf("create request: %w", err)
	}
	startReq.Header.Set("Content-Type", "application/json")
	startReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	startReq.Header.Set("X-Goog-Upload-Command", "start")
	startReq.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(info.Size(), 10))
	startReq.Header.Set("X-Goog-Upload-Header-Content-Type", mime)

	startResp, err := c.do(startReq, "gemini upload start")
	if err != nil {
		return Handle{}, err
	}
	startResp.Body.Close()

	sessionURL := startResp.Header.Get("X-Goog-Upload-URL")
	if sessionURL == "" {
		return Handle{}, apperr.Errorf(apperr.KindRemoteAPI, "gemini upload start", "gemini api: response carried no upload URL")
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, f)
	if err != nil {
		return Handle{}, fmt.Errorf("create request: %w", err)
	}
	upReq.ContentLength = info.Size()
	upReq.Header.Set("X-Goog-Upload-Offset", "0")
	upReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	upResp, err := c.do(upReq, "gemini upload")
	if err != nil {
		return Handle{}, err
	}
	defer upResp.Body.Close()

	var out struct {
		File fileResource `json:"file"`
	}
	if err := json.NewDecoder(upResp.Body).Decode(&out); err != nil {
		return Handle{}, apperr.E(apperr.KindRemoteAPI, "gemini upload", fmt.Errorf("decode response: %w", err))
	}
	if out.File.Name == "" {
		return Handle{}, apperr.Errorf(apperr.KindRemoteAPI, "gemini upload", "gemini api: upload response carried no file name")
	}

	h := out.File.handle()
	c.logger.Info("uploaded media", "handle", h.Name, "bytes", info.Size(), "mime", mime, "state", h.State)
	return h, nil
}

// Status reports the current state of an uploaded handle.
func (c *GeminiClient) Status(ctx context.Context, name string) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req, "gemini get file")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var f fileResource
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return "", apperr.E(apperr.KindRemoteAPI, "gemini get file", fmt.Errorf("decode response: %w", err))
	}
	return parseState(f.State), nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"file_data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Generate asks the configured model to analyse an active handle.
func (c *GeminiClient) Generate(ctx context.Context, h Handle, prompt string) (string, error) {
	mime := h.MimeType
	if mime == "" {
		mime = "video/mp4"
	}
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{
		{FileData: &fileData{MimeType: mime, FileURI: h.URI}},
		{Text: prompt},
	}}}})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "gemini generate")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.E(apperr.KindRemoteAPI, "gemini generate", fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		reason := out.PromptFeedback.BlockReason
		if reason == "" && len(out.Candidates) > 0 {
			reason = out.Candidates[0].FinishReason
		}
		return "", apperr.Errorf(apperr.KindRemoteAPI, "gemini generate", "gemini api: empty response (reason %q)", reason)
	}
	return text.String(), nil
}

// Delete releases an uploaded handle. A handle that is already gone is
// not an error.
func (c *GeminiClient) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req, "gemini delete file")
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends req with authentication and maps failures to kinded errors.
// On success the caller owns the response body.
func (c *GeminiClient) do(req *http.Request, op string) (*http.Response, error) {
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	return nil, apperr.E(apiErr.Kind(), op, apiErr)
}
