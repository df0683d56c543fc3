package source

import (
	"context"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"crowdwatch/internal/pipeline"
)

// HTTPSnapshotSource polls a still-image URL (e.g. an IP camera's
// snapshot.jpg) once per Read
type HTTPSnapshotSource struct {
	url    string
	client *http.Client
}

// NewHTTPSnapshotSource creates a source for url
func NewHTTPSnapshotSource(url string, timeout time.Duration) *HTTPSnapshotSource {
	return &HTTPSnapshotSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSnapshotSource) Read(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.Wrap(pipeline.ErrDevice, err.Error())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(pipeline.ErrDevice, "fetch %s: %v", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Wrapf(pipeline.ErrDevice, "fetch %s: %s", s.url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrapf(pipeline.ErrDevice, "read %s: %v", s.url, err)
	}
	img, err := pipeline.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(pipeline.ErrDevice, "snapshot from %s: %v", s.url, err)
	}
	return img, nil
}

func (s *HTTPSnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
