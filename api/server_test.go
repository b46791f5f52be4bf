package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xihan123/doro-collector-api/api"
	"github.com/xihan123/doro-collector-api/internal/config"
	"github.com/xihan123/doro-collector-api/internal/stickers"
	"github.com/xihan123/doro-collector-api/pkg/models"
)

// tinyGIF is a 3x2 image with no color table, enough to pass the payload sniff.
var tinyGIF = []byte{
	'G', 'I', 'F', '8', '9', 'a',
	0x03, 0x00, // width
	0x02, 0x00, // height
	0x00, 0x00, 0x00,
}

// stubStickers lets each test plug in just the behavior it needs.
type stubStickers struct {
	createFn      func(ctx context.Context, image []byte, ipAddress, userAgent string) (*models.StickerView, error)
	getFn         func(ctx context.Context, id string) (*models.StickerView, error)
	reactFn       func(ctx context.Context, id, ipAddress, action string) (*stickers.ReactionResult, error)
	byIDsFn       func(ctx context.Context, ids []string) ([]*models.Sticker, error)
	deleteFn      func(ctx context.Context, identifier string) error
	batchDeleteFn func(ctx context.Context, ids []string) (int64, error)
}

func (s *stubStickers) Create(ctx context.Context, image []byte, ipAddress, userAgent string) (*models.StickerView, error) {
	return s.createFn(ctx, image, ipAddress, userAgent)
}

func (s *stubStickers) Predict(ctx context.Context, image []byte) (*models.Prediction, error) {
	return &models.Prediction{IsDoro: true, Confidence: 0.9}, nil
}

func (s *stubStickers) List(ctx context.Context, params stickers.ListParams) (*models.StickerPage, error) {
	return &models.StickerPage{Items: []*models.StickerView{}, Page: params.Page, Size: params.Size}, nil
}

func (s *stubStickers) Random(ctx context.Context, count int) ([]*models.StickerView, error) {
	return []*models.StickerView{}, nil
}

func (s *stubStickers) Get(ctx context.Context, id string) (*models.StickerView, error) {
	return s.getFn(ctx, id)
}

func (s *stubStickers) Update(ctx context.Context, id string, req *models.UpdateStickerRequest) (*models.StickerView, error) {
	return &models.StickerView{ID: id}, nil
}

func (s *stubStickers) React(ctx context.Context, id, ipAddress, action string) (*stickers.ReactionResult, error) {
	return s.reactFn(ctx, id, ipAddress, action)
}

func (s *stubStickers) PopularTags(ctx context.Context, limit int) ([]models.PopularTag, error) {
	return []models.PopularTag{{Tag: "classic", Count: 3}}, nil
}

func (s *stubStickers) AddTag(ctx context.Context, id, tagName string) (*models.StickerView, error) {
	return &models.StickerView{ID: id, Tags: []string{tagName}}, nil
}

func (s *stubStickers) ReplaceTags(ctx context.Context, id string, tagNames []string) (*models.StickerView, error) {
	return &models.StickerView{ID: id, Tags: tagNames}, nil
}

func (s *stubStickers) ByIDs(ctx context.Context, ids []string) ([]*models.Sticker, error) {
	return s.byIDsFn(ctx, ids)
}

func (s *stubStickers) UpdateDescription(ctx context.Context, id, description, ipAddress, userAgent string) (*models.StickerView, error) {
	return &models.StickerView{ID: id, Description: description}, nil
}

func (s *stubStickers) Delete(ctx context.Context, identifier string) error {
	return s.deleteFn(ctx, identifier)
}

func (s *stubStickers) BatchDelete(ctx context.Context, ids []string) (int64, error) {
	return s.batchDeleteFn(ctx, ids)
}

func testConfig() *config.Config {
	cfg := &config.Config{
		ProjectName:    "DORO Sticker Collector",
		ProjectVersion: "1.0.0",
		SecretKey:      "test-secret",
	}
	cfg.CORS.AllowOrigins = []string{"*"}
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000
	return cfg
}

func newTestServer(t *testing.T, svc stickers.StickerService, cfg *config.Config) *api.Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return api.NewServer(zap.NewNop(), cfg, svc)
}

func doRequest(server *api.Server, req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	return recorder
}

func multipartImage(t *testing.T, field, filename, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestHealthCheck(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)
	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRootBanner(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)
	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "1.0.0", body["version"])
}

func TestRequestIDHeader(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, resp.Header().Get(api.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(api.RequestIDHeader, "caller-supplied-id")
	resp = doRequest(server, req)
	assert.Equal(t, "caller-supplied-id", resp.Header().Get(api.RequestIDHeader))
}

func TestUploadSticker(t *testing.T) {
	created := &models.StickerView{ID: "abc", Description: "doro"}
	svc := &stubStickers{
		createFn: func(ctx context.Context, image []byte, ipAddress, userAgent string) (*models.StickerView, error) {
			return created, nil
		},
	}
	server := newTestServer(t, svc, nil)

	body, contentType := multipartImage(t, "file", "doro.gif", "image/gif", tinyGIF)
	req := httptest.NewRequest(http.MethodPost, "/api/stickers/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := doRequest(server, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	var result models.UploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.Success)
	require.NotNil(t, result.Sticker)
	assert.Equal(t, "abc", result.Sticker.ID)
}

func TestUploadRejectsNonImage(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)

	body, contentType := multipartImage(t, "file", "doc.txt", "text/plain", []byte("not an image"))
	req := httptest.NewRequest(http.MethodPost, "/api/stickers/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := doRequest(server, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// Missing file entirely.
	resp = doRequest(server, httptest.NewRequest(http.MethodPost, "/api/stickers/upload", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// An image Content-Type with a non-image payload fails the sniff.
	body, contentType = multipartImage(t, "file", "fake.png", "image/png", []byte("not really an image"))
	req = httptest.NewRequest(http.MethodPost, "/api/stickers/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp = doRequest(server, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUploadDuplicate(t *testing.T) {
	existing := &models.StickerView{ID: "dup", Description: "already there"}
	svc := &stubStickers{
		createFn: func(ctx context.Context, image []byte, ipAddress, userAgent string) (*models.StickerView, error) {
			return existing, stickers.ErrStickerExists
		},
	}
	server := newTestServer(t, svc, nil)

	body, contentType := multipartImage(t, "file", "doro.gif", "image/gif", tinyGIF)
	req := httptest.NewRequest(http.MethodPost, "/api/stickers/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := doRequest(server, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	var result models.UploadResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.Success)
	require.NotNil(t, result.Sticker)
	assert.Equal(t, "dup", result.Sticker.ID)
}

func TestGetStickerNotFound(t *testing.T) {
	svc := &stubStickers{
		getFn: func(ctx context.Context, id string) (*models.StickerView, error) {
			return nil, stickers.ErrStickerNotFound
		},
	}
	server := newTestServer(t, svc, nil)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/stickers/nope", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRandomCountValidation(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/stickers/random/?count=50", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(server, httptest.NewRequest(http.MethodGet, "/api/stickers/random/?count=5", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestReactUsesForwardedClientIP(t *testing.T) {
	var seenIP string
	svc := &stubStickers{
		reactFn: func(ctx context.Context, id, ipAddress, action string) (*stickers.ReactionResult, error) {
			seenIP = ipAddress
			return &stickers.ReactionResult{
				Message: action + " recorded",
				Sticker: &models.StickerView{ID: id, Likes: 1},
			}, nil
		},
	}
	server := newTestServer(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/stickers/abc/like", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	resp := doRequest(server, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "203.0.113.7", seenIP)
}

func TestDeleteRequiresSecretKey(t *testing.T) {
	svc := &stubStickers{
		deleteFn: func(ctx context.Context, identifier string) error { return nil },
	}
	server := newTestServer(t, svc, nil)

	resp := doRequest(server, httptest.NewRequest(http.MethodDelete, "/api/stickers/abc", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/stickers/abc", nil)
	req.Header.Set("Secret-Key", "wrong")
	resp = doRequest(server, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/stickers/abc", nil)
	req.Header.Set("Secret-Key", "test-secret")
	resp = doRequest(server, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestDeleteDisabledWithoutConfiguredSecret(t *testing.T) {
	cfg := testConfig()
	cfg.SecretKey = ""
	server := newTestServer(t, &stubStickers{}, cfg)

	req := httptest.NewRequest(http.MethodDelete, "/api/stickers/abc", nil)
	req.Header.Set("Secret-Key", "")
	resp := doRequest(server, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestBatchDeleteLimits(t *testing.T) {
	svc := &stubStickers{
		batchDeleteFn: func(ctx context.Context, ids []string) (int64, error) {
			return int64(len(ids)), nil
		},
	}
	server := newTestServer(t, svc, nil)

	tooMany := make([]string, 101)
	for i := range tooMany {
		tooMany[i] = "id"
	}
	payload, err := json.Marshal(models.BatchDeleteRequest{StickerIDs: tooMany})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodDelete, "/api/stickers/batch/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Secret-Key", "test-secret")
	resp := doRequest(server, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	payload, err = json.Marshal(models.BatchDeleteRequest{StickerIDs: []string{"a", "b"}})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodDelete, "/api/stickers/batch/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Secret-Key", "test-secret")
	resp = doRequest(server, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["deleted"])
}

func TestDownloadBatchBuildsZip(t *testing.T) {
	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image payload"))
	}))
	defer imageServer.Close()

	svc := &stubStickers{
		byIDsFn: func(ctx context.Context, ids []string) ([]*models.Sticker, error) {
			return []*models.Sticker{
				{
					ID:          "11112222-3333-4444-5555-666677778888",
					MD5:         "0123456789abcdef0123456789abcdef",
					URL:         imageServer.URL + "/a.png",
					Description: "happy doro",
				},
			}, nil
		},
	}
	server := newTestServer(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/stickers/download/batch/",
		strings.NewReader(`["11112222-3333-4444-5555-666677778888"]`))
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(server, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/zip", resp.Header().Get("Content-Type"))

	reader, err := zip.NewReader(bytes.NewReader(resp.Body.Bytes()), int64(resp.Body.Len()))
	require.NoError(t, err)
	require.Len(t, reader.File, 1)
	assert.Equal(t, "1111_happy doro_abcdef.png", reader.File[0].Name)

	file, err := reader.File[0].Open()
	require.NoError(t, err)
	defer file.Close()
	var content bytes.Buffer
	_, err = content.ReadFrom(file)
	require.NoError(t, err)
	assert.Equal(t, "image payload", content.String())
}

func TestDownloadBatchValidation(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/stickers/download/batch/", strings.NewReader(`[]`))
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(server, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	svcEmpty := &stubStickers{
		byIDsFn: func(ctx context.Context, ids []string) ([]*models.Sticker, error) {
			return nil, nil
		},
	}
	server = newTestServer(t, svcEmpty, nil)
	req = httptest.NewRequest(http.MethodPost, "/api/stickers/download/batch/", strings.NewReader(`["missing"]`))
	req.Header.Set("Content-Type", "application/json")
	resp = doRequest(server, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RPS = 1
	cfg.RateLimit.Burst = 1
	server := newTestServer(t, &stubStickers{}, cfg)

	resp := doRequest(server, httptest.NewRequest(http.MethodGet, "/api/stickers/", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(server, httptest.NewRequest(http.MethodGet, "/api/stickers/", nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	// The health endpoint sits outside the limited group.
	resp = doRequest(server, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestUpdateDescriptionValidation(t *testing.T) {
	server := newTestServer(t, &stubStickers{}, nil)

	long := strings.Repeat("x", 65)
	payload, err := json.Marshal(models.UpdateDescriptionRequest{Description: long})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPatch, "/api/stickers/abc/description", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(server, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	payload, err = json.Marshal(models.UpdateDescriptionRequest{Description: "short caption"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPatch, "/api/stickers/abc/description", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp = doRequest(server, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
