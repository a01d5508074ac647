package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Asset is a downloaded processor output.
type Asset struct {
	Data        []byte
	ContentType string
}

// Fetcher downloads processor outputs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Asset, error)
}

// ErrAssetTooLarge is returned when an output exceeds the fetch limit.
var ErrAssetTooLarge = errors.New("jobs: asset exceeds size limit")

// HTTPFetcher downloads assets over HTTP.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher builds a fetcher. A nil client gets a 60s timeout and a
// non-positive maxBytes defaults to 50 MiB.
func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("build download request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Asset{}, fmt.Errorf("download asset: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Asset{}, fmt.Errorf("read asset: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Asset{}, ErrAssetTooLarge
	}
	if len(data) == 0 {
		return Asset{}, errors.New("download asset: empty body")
	}
	return Asset{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}
