package geminicord

import (
	"bytes"
	"context"
	"fmt"
	"image/gif"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ImagePayload is one image ready for model consumption.
type ImagePayload struct {
	Data     []byte
	MimeType string
}

// geminiMimeTypes maps fetched content types to the mime types Gemini
// accepts. GIFs are re-encoded as PNG (first frame) since Gemini doesn't
// take GIF directly.
var geminiMimeTypes = map[string]string{
	"image/jpeg": "image/jpeg",
	"image/jpg":  "image/jpeg",
	"image/png":  "image/png",
	"image/gif":  "image/png",
	"image/webp": "image/webp",
}

// imageDownloader fetches image payloads over HTTP with a per-image size
// ceiling.
type imageDownloader struct {
	httpClient *http.Client
	maxBytes   int
	logger     *slog.Logger
}

func newImageDownloader(
	httpClient *http.Client,
	maxBytes int,
	logger *slog.Logger,
) *imageDownloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &imageDownloader{
		httpClient: httpClient,
		maxBytes:   maxBytes,
		logger:     logger.With(loggerNameKey, "images"),
	}
}

// Download fetches url and returns a Gemini-compatible payload. It
// returns nil (no error) for unsupported content types - an unusable
// image isn't a failure, the caller just skips it.
func (d *imageDownloader) Download(ctx context.Context, url string) (*ImagePayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating image request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	var mimeType string
	for fetched, supported := range geminiMimeTypes {
		if strings.Contains(contentType, fetched) {
			mimeType = supported
			break
		}
	}
	if mimeType == "" {
		d.logger.Debug(
			"unsupported image type",
			"content_type", contentType,
			"url", url,
		)
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(d.maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("error reading image body: %w", err)
	}
	if len(data) > d.maxBytes {
		d.logger.Debug(
			"image exceeds size ceiling, skipping",
			"url", url,
			"max_bytes", d.maxBytes,
		)
		return nil, nil
	}

	if strings.Contains(contentType, "image/gif") {
		converted, convErr := gifToPNG(data)
		if convErr != nil {
			d.logger.Debug("error converting gif", "url", url, "error", convErr)
			return nil, nil
		}
		data = converted
	}

	return &ImagePayload{Data: data, MimeType: mimeType}, nil
}

// gifToPNG re-encodes the first frame of a GIF as PNG.
func gifToPNG(data []byte) ([]byte, error) {
	img, err := gif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding gif: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("error encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
