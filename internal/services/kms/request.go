package kms

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var supportedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodOptions: true,
	http.MethodHead:    true,
}

// PrepareRequest builds the outgoing request without sending it. Default
// headers are applied first and request headers override them; the content
// type is always JSON. The URL is rebuilt from its decoded path and raw
// query, and an empty trailing "?" is dropped. GET and HEAD never carry a body.
func PrepareRequest(ctx context.Context, method, rawURL string, defaults, headers http.Header, body []byte) (*http.Request, error) {
	method = strings.ToUpper(method)
	if !supportedMethods[method] {
		return nil, fmt.Errorf("unsupported http method %q", method)
	}

	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if body != nil && method != http.MethodGet && method != http.MethodHead {
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, http.NoBody)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range defaults {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	for k, vs := range headers {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: scheme and host are required", rawURL)
	}

	rebuilt := url.URL{
		Scheme:   u.Scheme,
		User:     u.User,
		Host:     u.Host,
		Path:     u.Path,
		Fragment: u.Fragment,
	}
	if strings.TrimSpace(u.RawQuery) != "" {
		rebuilt.RawQuery = u.RawQuery
	}
	return rebuilt.String(), nil
}
