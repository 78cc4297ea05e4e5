package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"
)

const maxReplyBytes = 8 << 20

// RESTGateway talks to the RouterOS v7 REST API (/rest/...) with Basic auth
type RESTGateway struct {
	client   *http.Client
	insecure *http.Client
}

// NewRESTGateway creates a REST gateway. The clients hold no credentials.
func NewRESTGateway() *RESTGateway {
	return &RESTGateway{
		client:   newHTTPClient(false),
		insecure: newHTTPClient(true),
	}
}

func newHTTPClient(insecure bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: MaxTimeout,
		// Routers commonly run with self-signed certificates
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec
	}
	return &http.Client{Transport: transport, Timeout: MaxTimeout}
}

func (g *RESTGateway) baseURL(dev DeviceConfig) string {
	if dev.UseTLS {
		return "https://" + dev.addr(80, 443) + "/rest"
	}
	return "http://" + dev.addr(80, 443) + "/rest"
}

// Call issues method on path. Path is relative to /rest and may carry a query string.
func (g *RESTGateway) Call(ctx context.Context, dev DeviceConfig, method, path string, body interface{}) (*Response, error) {
	op := method + " " + path
	ctx, cancel := context.WithTimeout(ctx, dev.timeout())
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: ProtocolError, Op: op, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL(dev)+path, reader)
	if err != nil {
		return nil, &Error{Kind: ProtocolError, Op: op, Err: err}
	}
	req.SetBasicAuth(dev.Username, dev.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := g.client
	if dev.InsecureSkipVerify {
		client = g.insecure
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, classify(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp.StatusCode, data)
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}
