package rpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// HTTPTransport is a single-endpoint HTTP JSON-RPC transport, the default
// way every node in spec §4.1 is reached (one rpcUrl per chain, no
// failover across endpoints).
type HTTPTransport struct {
	url      string
	user     string
	pass     string
	client   *http.Client
}

// NewHTTPTransport builds a Transport POSTing to url with HTTP basic auth.
func NewHTTPTransport(url, user, pass string, dialTimeout time.Duration) *HTTPTransport {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &HTTPTransport{
		url:  url,
		user: user,
		pass: pass,
		client: &http.Client{
			Timeout: dialTimeout,
		},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.user != "" {
		req.SetBasicAuth(t.user, t.pass)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
