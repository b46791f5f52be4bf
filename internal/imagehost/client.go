package imagehost

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Uploader stores sticker images on an external host
type Uploader interface {
	Upload(ctx context.Context, image []byte) (*UploadResult, error)
}

// UploadResult describes a stored image
type UploadResult struct {
	MD5    string
	URL    string
	Width  *int
	Height *int
	Size   *int64
}

// Client uploads images to a picb-style image host API
type Client struct {
	apiKey    string
	albumID   string
	uploadURL string
	logger    *zap.Logger
	http      *http.Client
}

// NewClient creates an image host client
func NewClient(apiKey, albumID, uploadURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:    apiKey,
		albumID:   albumID,
		uploadURL: uploadURL,
		logger:    logger,
		http:      &http.Client{Timeout: timeout},
	}
}

// MD5Sum returns the hex md5 digest of the image bytes
func MD5Sum(image []byte) string {
	sum := md5.Sum(image)
	return hex.EncodeToString(sum[:])
}

type hostResponse struct {
	StatusCode int `json:"status_code"`
	Image      struct {
		MD5    string `json:"md5"`
		URL    string `json:"url"`
		Width  *int   `json:"width"`
		Height *int   `json:"height"`
		Size   *int64 `json:"size"`
	} `json:"image"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload pushes the image to the host and returns its public URL and
// metadata. Width/height/size fall back to a local probe when the host
// omits them.
func (c *Client) Upload(ctx context.Context, image []byte) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("source", "sticker.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image payload: %w", err)
	}
	if c.albumID != "" {
		if err := writer.WriteField("album_id", c.albumID); err != nil {
			return nil, fmt.Errorf("failed to write album field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image host request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("image host returned status %d: %s", resp.StatusCode, detail)
	}

	var host hostResponse
	if err := json.NewDecoder(resp.Body).Decode(&host); err != nil {
		return nil, fmt.Errorf("failed to decode image host response: %w", err)
	}
	if host.StatusCode != http.StatusOK || host.Image.URL == "" {
		return nil, fmt.Errorf("image host rejected upload: %s", host.Error.Message)
	}

	result := &UploadResult{
		MD5:    host.Image.MD5,
		URL:    host.Image.URL,
		Width:  host.Image.Width,
		Height: host.Image.Height,
		Size:   host.Image.Size,
	}
	if result.MD5 == "" {
		result.MD5 = MD5Sum(image)
	}
	if result.Size == nil {
		size := int64(len(image))
		result.Size = &size
	}
	if result.Width == nil || result.Height == nil {
		if width, height, err := ProbeDimensions(image); err == nil {
			result.Width = &width
			result.Height = &height
		} else {
			c.logger.Debug("could not probe image dimensions", zap.Error(err))
		}
	}

	return result, nil
}
