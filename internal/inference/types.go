// Package inference talks to the remote multimodal model: it uploads media,
// waits for the remote side to finish ingesting it, requests analyses and
// releases the uploaded handle.
package inference

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// State is the lifecycle of an uploaded media handle.
type State string

const (
	StateUploading State = "uploading"
	StateActive    State = "active"
	StateFailed    State = "failed"
)

// Handle identifies media uploaded to the remote service.
type Handle struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
	State    State  `json:"state"`
}

// Client is the remote inference contract used by the segment analyzer.
type Client interface {
	Upload(ctx context.Context, path string) (Handle, error)
	Status(ctx context.Context, name string) (State, error)
	Generate(ctx context.Context, h Handle, prompt string) (string, error)
	Delete(ctx context.Context, name string) error
}

// Model is an entry of the supported model table.
type Model struct {
	Key               string
	Name              string
	MaxSegmentMinutes int
}

var models = map[string]Model{
	"pro":        {Key: "pro", Name: "gemini-2.5-pro", MaxSegmentMinutes: 120},
	"flash":      {Key: "flash", Name: "gemini-2.5-flash", MaxSegmentMinutes: 60},
	"flash-lite": {Key: "flash-lite", Name: "gemini-2.5-flash-lite", MaxSegmentMinutes: 30},
}

// ResolveModel looks a model up by its short key.
func ResolveModel(key string) (Model, error) {
	m, ok := models[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Model{}, fmt.Errorf("unknown model %q (choose from %s)", key, strings.Join(ModelKeys(), ", "))
	}
	return m, nil
}

// ModelKeys lists the supported model keys in sorted order.
func ModelKeys() []string {
	keys := make([]string, 0, len(models))
	for k := range models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
