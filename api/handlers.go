package api

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xihan123/doro-collector-api/internal/imagehost"
	"github.com/xihan123/doro-collector-api/internal/stickers"
	"github.com/xihan123/doro-collector-api/pkg/metrics"
	"github.com/xihan123/doro-collector-api/pkg/models"
)

const maxBatchSize = 100

// uploadSticker handles multipart sticker uploads
func (s *Server) uploadSticker(c *gin.Context) {
	image, ok := s.readImageFile(c)
	if !ok {
		return
	}

	view, err := s.stickers.Create(c.Request.Context(), image, clientIP(c), c.Request.UserAgent())
	switch {
	case errors.Is(err, stickers.ErrStickerExists):
		metrics.UploadsRejected.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusBadRequest, models.UploadResponse{
			Success: false,
			Message: "sticker already exists",
			Sticker: view,
		})
	case errors.Is(err, stickers.ErrNotDoro):
		metrics.UploadsRejected.WithLabelValues("not_doro").Inc()
		c.JSON(http.StatusBadRequest, models.UploadResponse{
			Success: false,
			Message: "image is not a doro sticker, or confidence is too low",
		})
	case err != nil:
		s.logger.Error("sticker upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process upload"})
	default:
		metrics.StickersCreated.Inc()
		c.JSON(http.StatusOK, models.UploadResponse{
			Success: true,
			Message: "sticker uploaded",
			Sticker: view,
		})
	}
}

// listStickers returns a filtered, paginated sticker page
func (s *Server) listStickers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	params := stickers.ListParams{
		IPAddress: clientIP(c),
		Page:      page,
		Size:      size,
		SortBy:    c.DefaultQuery("sort_by", "created_at"),
		SortOrder: c.DefaultQuery("sort_order", "desc"),
		Search:    c.Query("search"),
		Tags:      c.QueryArray("tags"),
	}

	pageResult, err := s.stickers.List(c.Request.Context(), params)
	if err != nil {
		s.logger.Error("failed to list stickers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stickers"})
		return
	}
	c.JSON(http.StatusOK, pageResult)
}

// randomStickers returns up to 10 random stickers
func (s *Server) randomStickers(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "1"))
	if err != nil || count < 1 || count > 10 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and 10"})
		return
	}
	views, err := s.stickers.Random(c.Request.Context(), count)
	if err != nil {
		s.logger.Error("failed to pick random stickers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pick random stickers"})
		return
	}
	c.JSON(http.StatusOK, views)
}

// getSticker returns a single sticker by ID
func (s *Server) getSticker(c *gin.Context) {
	view, err := s.stickers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// updateSticker applies a partial update
func (s *Server) updateSticker(c *gin.Context) {
	var req models.UpdateStickerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.stickers.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) likeSticker(c *gin.Context) {
	s.react(c, models.ActionLike)
}

func (s *Server) dislikeSticker(c *gin.Context) {
	s.react(c, models.ActionDislike)
}

func (s *Server) react(c *gin.Context, action string) {
	result, err := s.stickers.React(c.Request.Context(), c.Param("id"), clientIP(c), action)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": result.Message,
		"sticker": result.Sticker,
		"action":  result.Action,
	})
}

// popularTags returns the most used tags
func (s *Server) popularTags(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}
	tags, err := s.stickers.PopularTags(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load popular tags", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load popular tags"})
		return
	}
	c.JSON(http.StatusOK, tags)
}

// addTag attaches one tag to a sticker
func (s *Server) addTag(c *gin.Context) {
	var req models.AddTagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.stickers.AddTag(c.Request.Context(), c.Param("id"), req.TagName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "tag added", "sticker": view})
}

// replaceTags swaps a sticker's tag set
func (s *Server) replaceTags(c *gin.Context) {
	var req models.ReplaceTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.stickers.ReplaceTags(c.Request.Context(), c.Param("id"), req.Tags)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "tags updated", "sticker": view})
}

// downloadBatch streams the requested stickers as a ZIP archive
func (s *Server) downloadBatch(c *gin.Context) {
	var ids []string
	if err := c.ShouldBindJSON(&ids); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sticker ID list is empty"})
		return
	}
	if len(ids) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d stickers per download", maxBatchSize)})
		return
	}

	found, err := s.stickers.ByIDs(c.Request.Context(), ids)
	if err != nil {
		s.logger.Error("failed to load stickers for download", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stickers"})
		return
	}
	if len(found) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching stickers"})
		return
	}

	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)
	for _, sticker := range found {
		data, err := s.fetchImage(c, sticker.URL)
		if err != nil {
			s.logger.Warn("skipping sticker in archive",
				zap.String("id", sticker.ID),
				zap.Error(err),
			)
			continue
		}
		entry, err := archive.Create(archiveFilename(sticker))
		if err != nil {
			continue
		}
		if _, err := entry.Write(data); err != nil {
			s.logger.Warn("failed to write archive entry", zap.String("id", sticker.ID), zap.Error(err))
		}
	}
	if err := archive.Close(); err != nil {
		s.logger.Error("failed to finalize archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build archive"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename=doro_stickers.zip`)
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// updateDescription edits a sticker's caption and logs the change
func (s *Server) updateDescription(c *gin.Context) {
	var req models.UpdateDescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.stickers.UpdateDescription(
		c.Request.Context(),
		c.Param("id"),
		req.Description,
		clientIP(c),
		c.Request.UserAgent(),
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// deleteSticker removes one sticker by UUID or md5
func (s *Server) deleteSticker(c *gin.Context) {
	if err := s.stickers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "sticker deleted"})
}

// batchDelete removes up to 100 stickers at once
func (s *Server) batchDelete(c *gin.Context) {
	var req models.BatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.StickerIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sticker ID list is empty"})
		return
	}
	if len(req.StickerIDs) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d stickers per delete", maxBatchSize)})
		return
	}

	deleted, err := s.stickers.BatchDelete(c.Request.Context(), req.StickerIDs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// predict runs the classifier without storing anything
func (s *Server) predict(c *gin.Context) {
	image, ok := s.readImageFile(c)
	if !ok {
		return
	}
	prediction, err := s.stickers.Predict(c.Request.Context(), image)
	if err != nil {
		s.logger.Error("prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		return
	}
	c.JSON(http.StatusOK, prediction)
}

// readImageFile pulls the multipart "file" field and rejects non-images
// and empty payloads. It writes the error response itself.
func (s *Server) readImageFile(c *gin.Context) ([]byte, bool) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return nil, false
	}
	defer file.Close()

	contentType := strings.ToLower(header.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only image files are accepted"})
		return nil, false
	}

	contents, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image file"})
		return nil, false
	}
	if len(contents) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is empty"})
		return nil, false
	}
	// The Content-Type header is caller-supplied; check the payload too.
	if !imagehost.SniffImage(contents) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is not a valid image"})
		return nil, false
	}
	return contents, true
}

func (s *Server) fetchImage(c *gin.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.downloads.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// archiveFilename builds a readable, unique-enough name for a ZIP entry
func archiveFilename(sticker *models.Sticker) string {
	description := sticker.Description
	if runes := []rune(description); len(runes) > 10 {
		description = string(runes[:10])
	}
	description = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, description)
	return fmt.Sprintf("%s_%s_%s.png", sticker.ID[:4], description, sticker.MD5[len(sticker.MD5)-6:])
}

// respondError maps service errors onto HTTP statuses
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, stickers.ErrStickerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sticker not found"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
