// Package transfer holds the HTTP clients that talk to storage nodes and to
// the metadata server.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replicafs/internal/protocol"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 64 << 10
)

// BaseURL turns "host:port" or a full URL into a URL without trailing slash.
func BaseURL(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimRight(endpoint, "/")
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func resourceURL(endpoint string, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return BaseURL(endpoint) + "/" + strings.Join(escaped, "/")
}

// doJSON sends body (if any) as JSON and decodes a 2xx response into out (if
// any). Non-2xx responses become *protocol.Error.
func doJSON(ctx context.Context, client *http.Client, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", target, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body protocol.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || (body.Error == "" && body.Kind == "") {
		body = protocol.ErrorResponse{Error: strings.TrimSpace(string(raw))}
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return protocol.FromResponse(body, resp.StatusCode)
}
