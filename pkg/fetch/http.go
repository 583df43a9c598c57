package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/types"
)

// StatusError is an unexpected HTTP response status
type StatusError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Temporary is true for server errors and throttling
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// HTTPLoader loads segments over HTTP(S), honouring byte ranges
type HTTPLoader struct {
	client *http.Client
}

// NewHTTPLoader creates a loader. A nil client uses http.DefaultClient.
func NewHTTPLoader(client *http.Client) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLoader{client: client}
}

// Load downloads segment.URL
func (l *HTTPLoader) Load(ctx context.Context, segment types.Segment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segment.URL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid segment url", err).AsFatal()
	}
	if segment.Range != nil {
		req.Header.Set("Range", rangeHeader(segment.Range))
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.NewNetworkError("segment request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrap(errors.ErrCodeSegmentNotFound, "segment not found: "+segment.ID,
			&StatusError{StatusCode: resp.StatusCode, URL: segment.URL})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.Wrap(errors.ErrCodeBadHTTPStatus, "bad status for segment "+segment.ID,
			&StatusError{StatusCode: resp.StatusCode, URL: segment.URL})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewNetworkError("failed to read segment body", err)
	}
	return data, nil
}

func rangeHeader(r *types.ByteRange) string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}
