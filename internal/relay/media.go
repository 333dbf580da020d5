package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/PortNumber53/social-relay/internal/publisher"
)

// maxMediaBytes caps a single attachment download.
const maxMediaBytes = 40 << 20

// MediaDownloader fetches an attachment's bytes so they can be re-uploaded
// downstream.
type MediaDownloader interface {
	Download(ctx context.Context, mediaURL string) (publisher.MediaFile, error)
}

// HTTPMediaDownloader is the plain HTTP implementation.
type HTTPMediaDownloader struct {
	Client *http.Client
}

func NewHTTPMediaDownloader() *HTTPMediaDownloader {
	return &HTTPMediaDownloader{Client: &http.Client{Timeout: 60 * time.Second}}
}

func (d *HTTPMediaDownloader) Download(ctx context.Context, mediaURL string) (publisher.MediaFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return publisher.MediaFile{}, err
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return publisher.MediaFile{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return publisher.MediaFile{}, fmt.Errorf("media_non_2xx status=%d url=%s", res.StatusCode, mediaURL)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes))
	if err != nil {
		return publisher.MediaFile{}, err
	}

	filename := "attachment"
	if u, err := url.Parse(mediaURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			filename = base
		}
	}
	return publisher.MediaFile{
		Data:     data,
		Mime:     res.Header.Get("Content-Type"),
		Filename: filename,
	}, nil
}
