package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xihan123/doro-collector-api/pkg/models"
)

// Classifier decides whether an image is a DORO sticker
type Classifier interface {
	Predict(ctx context.Context, image []byte) (*models.Prediction, error)
}

// Client calls a remote inference endpoint that wraps the DORO model.
// The endpoint accepts a multipart image and answers with the predicted
// class probabilities.
type Client struct {
	endpoint string
	logger   *zap.Logger
	http     *http.Client
}

// NewClient creates a classifier client for the given inference endpoint
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		logger:   logger,
		http:     &http.Client{Timeout: timeout},
	}
}

// Ping verifies the inference endpoint is reachable, retrying a few times
// so a freshly scheduled model container gets a chance to come up.
func (c *Client) Ping(ctx context.Context) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to build ping request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		lastErr = err
		c.logger.Warn("classifier endpoint not reachable",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("classifier endpoint unreachable after %d attempts: %w", maxRetries, lastErr)
}

// Predict submits the image and returns the model verdict
func (c *Client) Predict(ctx context.Context, image []byte) (*models.Prediction, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build predict request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, payload)
	}

	var prediction models.Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	c.logger.Debug("classifier inference complete",
		zap.Bool("is_doro", prediction.IsDoro),
		zap.Float64("confidence", prediction.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &prediction, nil
}
