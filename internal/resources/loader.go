package resources

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Loader fetches the body of an external stylesheet or script, standing in
// for the browser's load and error events.
type Loader interface {
	LoadStylesheet(ctx context.Context, url string) error
	LoadScript(ctx context.Context, url string) error
}

// HTTPLoader loads resources with an HTTP client.
type HTTPLoader struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPLoader creates a loader; a nil client uses http.DefaultClient.
func NewHTTPLoader(client *http.Client, userAgent string) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLoader{Client: client, UserAgent: userAgent}
}

// LoadStylesheet implements Loader.
func (l *HTTPLoader) LoadStylesheet(ctx context.Context, url string) error {
	return l.load(ctx, url, "text/css,*/*;q=0.1")
}

// LoadScript implements Loader.
func (l *HTTPLoader) LoadScript(ctx context.Context, url string) error {
	return l.load(ctx, url, "*/*")
}

func (l *HTTPLoader) load(ctx context.Context, url, accept string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", accept)
	if l.UserAgent != "" {
		req.Header.Set("User-Agent", l.UserAgent)
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to load %s: status %d", url, resp.StatusCode)
	}
	return nil
}
