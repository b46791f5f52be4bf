package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultDescription is used when the vision model yields nothing usable.
const DefaultDescription = "wild doro sticker"

// maxDescriptionRunes caps captions the way the upload form does.
const maxDescriptionRunes = 64

const captionPrompt = `Extract the text content of this sticker. Reply with JSON ` +
	`containing two fields: "description" (the sticker text, at most a dozen words) ` +
	`and "has_text" (boolean, whether the sticker contains recognizable text).`

// Captioner produces a short description for a sticker image and reports
// whether the image contains readable text.
type Captioner interface {
	Describe(ctx context.Context, image []byte) (description string, hasText bool, err error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint with a
// vision-capable model.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	logger  *zap.Logger
	http    *http.Client
}

// NewClient creates a vision captioner client
func NewClient(apiKey, baseURL, model string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		logger:  logger,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// Describe asks the model for a caption and a has-text verdict. Failures
// degrade to the default caption rather than blocking an upload.
func (c *Client) Describe(ctx context.Context, image []byte) (string, bool, error) {
	reply, err := c.complete(ctx, image)
	if err != nil {
		c.logger.Warn("vision captioning failed, using default description", zap.Error(err))
		return DefaultDescription, false, nil
	}

	description, hasText := parseCaptionReply(reply)
	return description, hasText, nil
}

func (c *Client) complete(ctx context.Context, image []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(image)
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{
					Type:     "image_url",
					ImageURL: &imageURL{URL: "data:image/png;base64," + encoded},
				},
				{
					Type: "text",
					Text: captionPrompt,
				},
			},
		}},
		MaxTokens: 100,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("vision API returned status %d: %s", resp.StatusCode, detail)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("vision API returned no choices")
	}

	return strings.TrimSpace(chat.Choices[0].Message.Content), nil
}

// parseCaptionReply extracts {description, has_text} from a model reply.
// Models wrap JSON in prose often enough that the first brace block is
// located by regex before unmarshaling.
func parseCaptionReply(reply string) (string, bool) {
	description := DefaultDescription
	hasText := false

	if match := jsonBlockRe.FindString(reply); match != "" {
		var parsed struct {
			Description string `json:"description"`
			HasText     bool   `json:"has_text"`
		}
		if err := json.Unmarshal([]byte(match), &parsed); err == nil {
			if strings.TrimSpace(parsed.Description) != "" {
				description = strings.TrimSpace(parsed.Description)
			}
			hasText = parsed.HasText
		}
	} else if strings.TrimSpace(reply) != "" {
		description = strings.TrimSpace(reply)
	}

	return truncateRunes(description, maxDescriptionRunes), hasText
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
