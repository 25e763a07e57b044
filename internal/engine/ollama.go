package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaProbe checks that an Ollama server answers and lists its models.
type OllamaProbe struct {
	BaseURL string
	Client  *http.Client
}

// Models returns the installed model names from /api/tags.
func (p OllamaProbe) Models(ctx context.Context) ([]string, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	root := strings.TrimSuffix(strings.TrimSuffix(OpenAIBaseURL(p.BaseURL), "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama /api/tags: status %d", resp.StatusCode)
	}
	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}
	names := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether model (with or without a ":latest" tag) is installed.
func (p OllamaProbe) HasModel(ctx context.Context, model string) (bool, error) {
	names, err := p.Models(ctx)
	if err != nil {
		return false, err
	}
	model = strings.TrimPrefix(model, defaultProvider+"/")
	for _, n := range names {
		if n == model || strings.TrimSuffix(n, ":latest") == model {
			return true, nil
		}
	}
	return false, nil
}
