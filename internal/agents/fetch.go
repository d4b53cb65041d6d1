package agents

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/user/crowdwatch/internal/types"
	"github.com/user/crowdwatch/pkg/llm"
)

// MaxMediaBytes caps a fetched media object.
const MaxMediaBytes = 20 << 20

// MediaFetcher loads an uploaded media object by URL.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*llm.Image, error)
}

// HTTPFetcher fetches media over HTTP(S), e.g. signed object-store URLs.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client gets a 30s timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads url. 4xx responses are permanent; network failures and
// 5xx responses are transient.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*llm.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.Permanent(fmt.Errorf("media request: %w", err))
	}
	req.Header.Set("User-Agent", "crowdwatch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.Transient("fetch media", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, types.Transient("fetch media", fmt.Errorf("HTTP error: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, types.Permanent(fmt.Errorf("fetch media: HTTP error: status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, types.Transient("read media", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, types.Permanent(fmt.Errorf("media %s exceeds %d bytes", url, MaxMediaBytes))
	}

	mimeType := http.DetectContentType(data)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/octet-stream" {
			mimeType = mt
		}
	}
	return &llm.Image{Data: data, MIMEType: mimeType}, nil
}
