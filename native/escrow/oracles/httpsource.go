package oracles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const httpFetchTimeout = 10 * time.Second

// fallbackPaths are probed in order when a condition names no explicit json
// path.
var fallbackPaths = []string{"price", "result", "value", "data.price"}

// HTTPSource fetches JSON endpoints and extracts a numeric value via a
// dotted path.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource constructs an HTTP source. client may be nil.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: httpFetchTimeout}
	}
	return &HTTPSource{client: client}
}

// FetchValue GETs ref and extracts the value at jsonPath, falling back to
// the well-known paths when none is given.
func (h *HTTPSource) FetchValue(ctx context.Context, ref, jsonPath string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, httpFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return 0, fmt.Errorf("http oracle: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http oracle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http oracle: status %d from %s", resp.StatusCode, ref)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("http oracle: read body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("http oracle: parse body: %w", err)
	}
	if jsonPath != "" {
		value, ok := extractNumber(doc, jsonPath)
		if !ok {
			return 0, fmt.Errorf("http oracle: no numeric value at path %q", jsonPath)
		}
		return value, nil
	}
	for _, path := range fallbackPaths {
		if value, ok := extractNumber(doc, path); ok {
			return value, nil
		}
	}
	// A bare numeric body is also acceptable.
	if value, ok := asNumber(doc); ok {
		return value, nil
	}
	return 0, fmt.Errorf("http oracle: no numeric value found in response")
}

// extractNumber walks a dotted path through nested JSON objects.
func extractNumber(doc any, path string) (float64, bool) {
	current := doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return 0, false
		}
		current, ok = obj[key]
		if !ok {
			return 0, false
		}
	}
	return asNumber(current)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
