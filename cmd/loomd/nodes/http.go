package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomflow/loomflow/cmd/loomd/engine"
	"github.com/loomflow/loomflow/cmd/loomd/nodes/security"
	"github.com/loomflow/loomflow/common/models"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 10 << 20
)

// httpRequestNode fetches a URL once per incoming item. Failures are
// tagged with the retry markers the engine recognizes: TIMEOUT,
// NETWORK_ERROR and RATE_LIMIT.
type httpRequestNode struct {
	client *http.Client
	// validate is swappable for tests
	validate func(string) error
}

func newHTTPRequestNode() *httpRequestNode {
	return &httpRequestNode{
		client: &http.Client{
			Timeout: defaultRequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				// Redirect targets get the same SSRF checks
				return security.NewURLValidator().Validate(req.URL.String())
			},
		},
		validate: security.NewURLValidator().Validate,
	}
}

func (n *httpRequestNode) definition() *engine.NodeDefinition {
	return &engine.NodeDefinition{
		Type: "core.httpRequest",
		Name: "HTTP Request",
		Properties: []engine.NodeProperty{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Default: http.MethodGet},
			{Name: "headers", Type: "object"},
			{Name: "body", Type: "object"},
			{Name: "timeout", Type: "number"},
		},
		Inputs:  []string{models.PortMain},
		Outputs: []string{models.PortMain},
	}
}

func (n *httpRequestNode) execute(ctx context.Context, node models.Node, input *engine.NodeInput) (*models.NodeOutput, error) {
	rawURL, _ := node.Parameters["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("http node %s has no url", node.ID)
	}
	if err := n.validate(rawURL); err != nil {
		return nil, fmt.Errorf("url rejected: %w", err)
	}

	method := http.MethodGet
	if m, ok := node.Parameters["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if timeoutSec, ok := node.Parameters["timeout"].(float64); ok && timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec*float64(time.Second)))
		defer cancel()
	}

	var body io.Reader
	if raw, ok := node.Parameters["body"]; ok && raw != nil {
		payload, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := node.Parameters["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("NETWORK_ERROR: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("RATE_LIMIT: upstream returned 429")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("NETWORK_ERROR: upstream returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(responseBody, 256))
	}

	item := models.Item{JSON: map[string]interface{}{
		"statusCode": resp.StatusCode,
		"headers":    flattenHeaders(resp.Header),
		"body":       parseBody(resp.Header.Get("Content-Type"), responseBody),
	}}
	return &models.NodeOutput{Main: []models.Item{item}}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		return fmt.Errorf("TIMEOUT: %w", err)
	}
	return fmt.Errorf("NETWORK_ERROR: %w", err)
}

func parseBody(contentType string, body []byte) interface{} {
	if strings.Contains(contentType, "application/json") {
		var parsed interface{}
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for key := range h {
		flat[key] = h.Get(key)
	}
	return flat
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
