// Package modelstorage is the boundary client for the model-storage service:
// downloading source models and publishing converted takeoff files.
package modelstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the model-storage boundary used by the conversion pipeline.
type Client interface {
	Download(ctx context.Context, credential, modelID, versionID string) ([]byte, error)
	Upload(ctx context.Context, spaceID, folderID, fileName string, data []byte) (string, error)
	DownloadURL(ctx context.Context, spaceID, fileID string) (string, error)
}

// Storage composes the source download with the destination bucket.
type Storage struct {
	*HTTPSource
	*S3Destination
}

var _ Client = (*Storage)(nil)

// ErrTooLarge is returned when a model exceeds the configured size limit.
var ErrTooLarge = errors.New("model exceeds size limit")

// HTTPSource downloads model versions from the source system.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

func NewHTTPSource(baseURL string, timeout time.Duration, maxBytes int64) *HTTPSource {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	if maxBytes == 0 {
		maxBytes = 512 * 1024 * 1024
	}
	return &HTTPSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Download fetches the raw bytes of one model version on behalf of the user
// whose credential is supplied.
func (s *HTTPSource) Download(ctx context.Context, credential, modelID, versionID string) ([]byte, error) {
	if credential == "" {
		return nil, errors.New("download: credential is required")
	}
	endpoint := fmt.Sprintf("%s/models/%s/versions/%s/content", s.baseURL, url.PathEscape(modelID), url.PathEscape(versionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download model: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, s.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, s.maxBytes)
	}
	return body, nil
}
