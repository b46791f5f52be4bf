package vision

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseCaptionReply(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		description string
		hasText     bool
	}{
		{
			name:        "clean json",
			reply:       `{"description": "doro waves hello", "has_text": true}`,
			description: "doro waves hello",
			hasText:     true,
		},
		{
			name:        "json wrapped in prose",
			reply:       "Sure! Here is the result:\n```json\n{\"description\": \"sleepy doro\", \"has_text\": false}\n```",
			description: "sleepy doro",
			hasText:     false,
		},
		{
			name:        "plain text reply",
			reply:       "a doro holding a sign",
			description: "a doro holding a sign",
			hasText:     false,
		},
		{
			name:        "empty reply",
			reply:       "",
			description: DefaultDescription,
			hasText:     false,
		},
		{
			name:        "empty description in json",
			reply:       `{"description": "  ", "has_text": true}`,
			description: DefaultDescription,
			hasText:     true,
		},
		{
			name:        "overlong description truncated",
			reply:       `{"description": "` + strings.Repeat("d", 100) + `", "has_text": false}`,
			description: strings.Repeat("d", maxDescriptionRunes),
			hasText:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, hasText := parseCaptionReply(tt.reply)
			assert.Equal(t, tt.description, description)
			assert.Equal(t, tt.hasText, hasText)
		})
	}
}

func TestDescribe(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"description\": \"doro with noodles\", \"has_text\": true}"}}]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 0, zap.NewNop())
	description, hasText, err := client.Describe(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.Equal(t, "doro with noodles", description)
	assert.True(t, hasText)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestDescribeDegradesToDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 0, zap.NewNop())
	description, hasText, err := client.Describe(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDescription, description)
	assert.False(t, hasText)
}
