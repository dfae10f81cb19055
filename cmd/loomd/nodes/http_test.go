package nodes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loomflow/common/models"
)

func testHTTPNode() *httpRequestNode {
	n := newHTTPRequestNode()
	n.validate = func(string) error { return nil }
	return n
}

func httpNodeConfig(url string, params map[string]interface{}) models.Node {
	merged := map[string]interface{}{"url": url}
	for k, v := range params {
		merged[k] = v
	}
	return models.Node{ID: "fetch", Type: "core.httpRequest", Parameters: merged}
}

func TestHTTPRequestParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[1,2,3]}`))
	}))
	defer srv.Close()

	out, err := testHTTPNode().execute(context.Background(), httpNodeConfig(srv.URL, nil), mainInput())
	require.NoError(t, err)
	require.Len(t, out.Main, 1)

	result := out.Main[0].JSON
	assert.Equal(t, 200, result["statusCode"])
	body, ok := result["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, body["items"], 3)
}

func TestHTTPRequestSendsBodyAndHeaders(t *testing.T) {
	var gotContentType, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	node := httpNodeConfig(srv.URL, map[string]interface{}{
		"method":  "post",
		"body":    map[string]interface{}{"name": "x"},
		"headers": map[string]interface{}{"X-Api-Key": "secret"},
	})

	out, err := testHTTPNode().execute(context.Background(), node, mainInput())
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "secret", gotCustom)
	assert.Equal(t, http.StatusCreated, out.Main[0].JSON["statusCode"])
}

func TestHTTPRequestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		marker string
	}{
		{"rate limited", http.StatusTooManyRequests, "RATE_LIMIT"},
		{"server error", http.StatusBadGateway, "NETWORK_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := testHTTPNode().execute(context.Background(), httpNodeConfig(srv.URL, nil), mainInput())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.marker)
		})
	}
}

func TestHTTPRequestClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thing", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testHTTPNode().execute(context.Background(), httpNodeConfig(srv.URL, nil), mainInput())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPRequestRejectsUnsafeURL(t *testing.T) {
	n := newHTTPRequestNode()

	_, err := n.execute(context.Background(), httpNodeConfig("http://169.254.169.254/latest/meta-data/", nil), mainInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url rejected")
}

func TestHTTPRequestRequiresURL(t *testing.T) {
	_, err := testHTTPNode().execute(context.Background(), models.Node{ID: "fetch", Type: "core.httpRequest"}, mainInput())
	assert.Error(t, err)
}
