package stickers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xihan123/doro-collector-api/internal/cache"
	"github.com/xihan123/doro-collector-api/internal/classifier"
	"github.com/xihan123/doro-collector-api/internal/imagehost"
	"github.com/xihan123/doro-collector-api/internal/vision"
	"github.com/xihan123/doro-collector-api/pkg/models"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrStickerNotFound = errors.New("sticker not found")
	ErrStickerExists   = errors.New("sticker already exists")
	ErrNotDoro         = errors.New("image is not a doro sticker")
)

// TextTagName marks stickers whose image contains readable text.
const TextTagName = "text"

// ListParams filters and paginates the sticker listing
type ListParams struct {
	IPAddress string
	Page      int
	Size      int
	SortBy    string
	SortOrder string
	Search    string
	Tags      []string
}

// ReactionResult reports the outcome of a like/dislike toggle
type ReactionResult struct {
	Message string              `json:"message"`
	Sticker *models.StickerView `json:"sticker"`
	Action  *string             `json:"action"`
}

// StickerService defines sticker collection operations.
type StickerService interface {
	Create(ctx context.Context, image []byte, ipAddress, userAgent string) (*models.StickerView, error)
	Predict(ctx context.Context, image []byte) (*models.Prediction, error)
	List(ctx context.Context, params ListParams) (*models.StickerPage, error)
	Random(ctx context.Context, count int) ([]*models.StickerView, error)
	Get(ctx context.Context, id string) (*models.StickerView, error)
	Update(ctx context.Context, id string, req *models.UpdateStickerRequest) (*models.StickerView, error)
	React(ctx context.Context, id, ipAddress, action string) (*ReactionResult, error)
	PopularTags(ctx context.Context, limit int) ([]models.PopularTag, error)
	AddTag(ctx context.Context, id, tagName string) (*models.StickerView, error)
	ReplaceTags(ctx context.Context, id string, tagNames []string) (*models.StickerView, error)
	ByIDs(ctx context.Context, ids []string) ([]*models.Sticker, error)
	UpdateDescription(ctx context.Context, id, description, ipAddress, userAgent string) (*models.StickerView, error)
	Delete(ctx context.Context, identifier string) error
	BatchDelete(ctx context.Context, ids []string) (int64, error)
}

// Service implements StickerService
type Service struct {
	logger        *zap.Logger
	db            *gorm.DB
	classifier    classifier.Classifier
	captioner     vision.Captioner
	uploader      imagehost.Uploader
	cache         *cache.Cache
	sanitizer     *bluemonday.Policy
	minConfidence float64
	archiveDir    string
}

// NewService creates a new StickerService
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	cls classifier.Classifier,
	captioner vision.Captioner,
	uploader imagehost.Uploader,
	readCache *cache.Cache,
	minConfidence float64,
	archiveDir string,
) (*Service, error) {
	if minConfidence <= 0 {
		minConfidence = 0.6
	}
	svc := &Service{
		logger:        logger,
		db:            db,
		classifier:    cls,
		captioner:     captioner,
		uploader:      uploader,
		cache:         readCache,
		sanitizer:     bluemonday.StrictPolicy(),
		minConfidence: minConfidence,
		archiveDir:    archiveDir,
	}
	return svc, nil
}

// Create runs the full upload pipeline: dedupe, classifier gate, caption,
// image-host upload, optional local archive copy, then the DB insert.
func (s *Service) Create(ctx context.Context, image []byte, ipAddress, userAgent string) (*models.StickerView, error) {
	md5Hash := imagehost.MD5Sum(image)

	var existing models.Sticker
	err := s.db.WithContext(ctx).Preload("Tags").Where("md5 = ?", md5Hash).First(&existing).Error
	if err == nil {
		return existing.View(nil), ErrStickerExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}

	prediction, err := s.classifier.Predict(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("classifier prediction failed: %w", err)
	}
	if !prediction.IsDoro || prediction.Confidence < s.minConfidence {
		s.logger.Info("upload rejected by classifier",
			zap.Bool("is_doro", prediction.IsDoro),
			zap.Float64("confidence", prediction.Confidence),
		)
		return nil, ErrNotDoro
	}

	description, hasText, err := s.captioner.Describe(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("caption generation failed: %w", err)
	}
	description = s.sanitizeText(description)
	if description == "" {
		description = vision.DefaultDescription
	}

	upload, err := s.uploader.Upload(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("image host upload failed: %w", err)
	}

	if s.archiveDir != "" {
		s.archiveCopy(md5Hash, upload.URL, image)
	}

	sticker := models.Sticker{
		MD5:            md5Hash,
		URL:            upload.URL,
		Description:    description,
		DoroConfidence: prediction.Confidence,
		Width:          upload.Width,
		Height:         upload.Height,
		FileSize:       upload.Size,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sticker).Error; err != nil {
			return fmt.Errorf("failed to create sticker: %w", err)
		}
		if hasText {
			if err := s.attachTag(tx, &sticker, TextTagName); err != nil {
				return err
			}
		}
		log := models.OperationLog{
			IPAddress:      ipAddress,
			UserAgent:      userAgent,
			StickerID:      sticker.ID,
			Operation:      models.OperationUpload,
			NewDescription: description,
		}
		if err := tx.Create(&log).Error; err != nil {
			return fmt.Errorf("failed to record upload: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.InvalidateTags(ctx)
	s.logger.Info("sticker created",
		zap.String("id", sticker.ID),
		zap.String("md5", md5Hash),
		zap.Float64("confidence", prediction.Confidence),
	)

	if err := s.db.WithContext(ctx).Preload("Tags").First(&sticker, "id = ?", sticker.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload sticker: %w", err)
	}
	return sticker.View(nil), nil
}

// Predict exposes the classifier verdict without storing anything
func (s *Service) Predict(ctx context.Context, image []byte) (*models.Prediction, error) {
	return s.classifier.Predict(ctx, image)
}

var sortFields = map[string]string{
	"created_at": "created_at",
	"likes":      "likes",
	"dislikes":   "dislikes",
}

// List returns a sticker page filtered by search text and tags, each item
// annotated with the requesting IP's standing reaction.
func (s *Service) List(ctx context.Context, params ListParams) (*models.StickerPage, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.Size < 1 || params.Size > 100 {
		params.Size = 20
	}

	sortBy, ok := sortFields[params.SortBy]
	if !ok {
		sortBy = "created_at"
	}
	order := "desc"
	if strings.EqualFold(params.SortOrder, "asc") {
		order = "asc"
	}

	query := s.db.WithContext(ctx).Model(&models.Sticker{})
	if params.Search != "" {
		query = query.Where("LOWER(description) LIKE ?", "%"+strings.ToLower(params.Search)+"%")
	}
	if len(params.Tags) > 0 {
		sub := s.db.Table("sticker_tags").
			Select("sticker_tags.sticker_id").
			Joins("JOIN tags ON tags.id = sticker_tags.tag_id").
			Where("tags.name IN ?", params.Tags)
		query = query.Where("stickers.id IN (?)", sub)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count stickers: %w", err)
	}

	var stickers []models.Sticker
	err := query.
		Preload("Tags").
		Order(fmt.Sprintf("%s %s", sortBy, order)).
		Offset((params.Page - 1) * params.Size).
		Limit(params.Size).
		Find(&stickers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stickers: %w", err)
	}

	actions, err := s.userActions(ctx, params.IPAddress, stickers)
	if err != nil {
		return nil, err
	}

	items := make([]*models.StickerView, 0, len(stickers))
	for i := range stickers {
		var action *string
		if a, ok := actions[stickers[i].ID]; ok {
			action = &a
		}
		items = append(items, stickers[i].View(action))
	}

	pages := (total + int64(params.Size) - 1) / int64(params.Size)
	return &models.StickerPage{
		Total: total,
		Items: items,
		Page:  params.Page,
		Size:  params.Size,
		Pages: pages,
	}, nil
}

// Random returns up to count random stickers (count clamped to 1..10)
func (s *Service) Random(ctx context.Context, count int) ([]*models.StickerView, error) {
	if count < 1 {
		count = 1
	}
	if count > 10 {
		count = 10
	}
	var stickers []models.Sticker
	err := s.db.WithContext(ctx).
		Preload("Tags").
		Order("random()").
		Limit(count).
		Find(&stickers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to pick random stickers: %w", err)
	}
	views := make([]*models.StickerView, 0, len(stickers))
	for i := range stickers {
		views = append(views, stickers[i].View(nil))
	}
	return views, nil
}

// Get fetches a single sticker by ID
func (s *Service) Get(ctx context.Context, id string) (*models.StickerView, error) {
	sticker, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return sticker.View(nil), nil
}

// Update applies a partial update to a sticker
func (s *Service) Update(ctx context.Context, id string, req *models.UpdateStickerRequest) (*models.StickerView, error) {
	var view *models.StickerView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sticker, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if req.Description != nil {
			updates["description"] = s.sanitizeText(*req.Description)
		}
		if req.Likes != nil {
			updates["likes"] = *req.Likes
		}
		if req.Dislikes != nil {
			updates["dislikes"] = *req.Dislikes
		}
		if len(updates) > 0 {
			if err := tx.Model(sticker).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update sticker: %w", err)
			}
		}

		reloaded, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		view = reloaded.View(nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// React applies like/dislike toggle semantics for the client IP: repeating
// an action cancels it, the opposite action switches it.
func (s *Service) React(ctx context.Context, id, ipAddress, action string) (*ReactionResult, error) {
	if action != models.ActionLike && action != models.ActionDislike {
		return nil, fmt.Errorf("unknown reaction %q", action)
	}

	var result *ReactionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sticker, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		var existing models.UserAction
		err = tx.Where("sticker_id = ? AND ip_address = ?", sticker.ID, ipAddress).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First reaction from this client.
			bump(sticker, action, +1)
			record := models.UserAction{
				IPAddress: ipAddress,
				StickerID: sticker.ID,
				Action:    action,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to record reaction: %w", err)
			}
			result = &ReactionResult{Message: action + " recorded", Action: &record.Action}
		case err != nil:
			return fmt.Errorf("failed to look up reaction: %w", err)
		case existing.Action == action:
			// Same action again cancels it.
			bump(sticker, action, -1)
			if err := tx.Delete(&existing).Error; err != nil {
				return fmt.Errorf("failed to remove reaction: %w", err)
			}
			result = &ReactionResult{Message: action + " removed"}
		default:
			// Switch sides.
			bump(sticker, existing.Action, -1)
			bump(sticker, action, +1)
			existing.Action = action
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to switch reaction: %w", err)
			}
			result = &ReactionResult{Message: "switched to " + action, Action: &existing.Action}
		}

		if err := tx.Model(sticker).Updates(map[string]interface{}{
			"likes":    sticker.Likes,
			"dislikes": sticker.Dislikes,
		}).Error; err != nil {
			return fmt.Errorf("failed to update counters: %w", err)
		}
		result.Sticker = sticker.View(result.Action)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PopularTags returns the most used tags, served from cache when possible
func (s *Service) PopularTags(ctx context.Context, limit int) ([]models.PopularTag, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if cached, ok := s.cache.GetPopularTags(ctx, limit); ok {
		return cached, nil
	}

	var tags []models.Tag
	err := s.db.WithContext(ctx).
		Order("usage_count desc").
		Limit(limit).
		Find(&tags).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load popular tags: %w", err)
	}

	popular := make([]models.PopularTag, 0, len(tags))
	for _, tag := range tags {
		popular = append(popular, models.PopularTag{Tag: tag.Name, Count: tag.UsageCount})
	}
	s.cache.SetPopularTags(ctx, limit, popular)
	return popular, nil
}

// AddTag attaches a tag to a sticker, creating it on first use
func (s *Service) AddTag(ctx context.Context, id, tagName string) (*models.StickerView, error) {
	tagName = s.sanitizeText(tagName)
	if tagName == "" {
		return nil, fmt.Errorf("empty tag name")
	}

	var view *models.StickerView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sticker, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.attachTag(tx, sticker, tagName); err != nil {
			return err
		}
		reloaded, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		view = reloaded.View(nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateTags(ctx)
	return view, nil
}

// ReplaceTags swaps the sticker's tag set for the given names
func (s *Service) ReplaceTags(ctx context.Context, id string, tagNames []string) (*models.StickerView, error) {
	cleaned := make([]string, 0, len(tagNames))
	for _, name := range tagNames {
		if name = s.sanitizeText(name); name != "" {
			cleaned = append(cleaned, name)
		}
	}

	var view *models.StickerView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sticker, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		for i := range sticker.Tags {
			if err := s.detachTag(tx, sticker, &sticker.Tags[i]); err != nil {
				return err
			}
		}
		for _, name := range cleaned {
			if err := s.attachTag(tx, sticker, name); err != nil {
				return err
			}
		}

		reloaded, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		view = reloaded.View(nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateTags(ctx)
	return view, nil
}

// ByIDs returns the stickers matching the given IDs, skipping unknown ones
func (s *Service) ByIDs(ctx context.Context, ids []string) ([]*models.Sticker, error) {
	var stickers []models.Sticker
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&stickers).Error; err != nil {
		return nil, fmt.Errorf("failed to load stickers: %w", err)
	}
	result := make([]*models.Sticker, 0, len(stickers))
	for i := range stickers {
		result = append(result, &stickers[i])
	}
	return result, nil
}

// UpdateDescription edits a sticker's description and records the change
// in the operation log.
func (s *Service) UpdateDescription(ctx context.Context, id, description, ipAddress, userAgent string) (*models.StickerView, error) {
	description = s.sanitizeText(description)
	if description == "" {
		return nil, fmt.Errorf("empty description")
	}

	var view *models.StickerView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sticker, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		old := sticker.Description
		if err := tx.Model(sticker).Update("description", description).Error; err != nil {
			return fmt.Errorf("failed to update description: %w", err)
		}

		log := models.OperationLog{
			IPAddress:      ipAddress,
			UserAgent:      userAgent,
			StickerID:      sticker.ID,
			Operation:      models.OperationUpdateDescription,
			OldDescription: old,
			NewDescription: description,
		}
		if err := tx.Create(&log).Error; err != nil {
			return fmt.Errorf("failed to record description change: %w", err)
		}

		sticker.Description = description
		view = sticker.View(nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Delete removes a sticker addressed by UUID or md5, together with its
// reactions, logs and tag links.
func (s *Service) Delete(ctx context.Context, identifier string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sticker models.Sticker
		query := tx.Preload("Tags").Where("id = ? OR md5 = ?", identifier, identifier)
		if err := query.First(&sticker).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStickerNotFound
			}
			return fmt.Errorf("failed to load sticker: %w", err)
		}
		return s.deleteSticker(tx, &sticker)
	})
	if err != nil {
		return err
	}
	s.cache.InvalidateTags(ctx)
	return nil
}

// BatchDelete removes the given stickers and returns how many existed
func (s *Service) BatchDelete(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stickers []models.Sticker
		if err := tx.Preload("Tags").Where("id IN ?", ids).Find(&stickers).Error; err != nil {
			return fmt.Errorf("failed to load stickers: %w", err)
		}
		if len(stickers) == 0 {
			return ErrStickerNotFound
		}
		for i := range stickers {
			if err := s.deleteSticker(tx, &stickers[i]); err != nil {
				return err
			}
		}
		deleted = int64(len(stickers))
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.cache.InvalidateTags(ctx)
	return deleted, nil
}

// load fetches a sticker with tags through the given handle
func (s *Service) load(ctx context.Context, tx *gorm.DB, id string) (*models.Sticker, error) {
	var sticker models.Sticker
	err := tx.WithContext(ctx).Preload("Tags").Where("id = ?", id).First(&sticker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStickerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sticker: %w", err)
	}
	return &sticker, nil
}

func (s *Service) userActions(ctx context.Context, ipAddress string, stickers []models.Sticker) (map[string]string, error) {
	actions := map[string]string{}
	if ipAddress == "" || len(stickers) == 0 {
		return actions, nil
	}
	ids := make([]string, 0, len(stickers))
	for i := range stickers {
		ids = append(ids, stickers[i].ID)
	}
	var records []models.UserAction
	err := s.db.WithContext(ctx).
		Where("sticker_id IN ? AND ip_address = ?", ids, ipAddress).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user actions: %w", err)
	}
	for _, record := range records {
		actions[record.StickerID] = record.Action
	}
	return actions, nil
}

// attachTag links a tag (created on demand) and bumps its usage count
func (s *Service) attachTag(tx *gorm.DB, sticker *models.Sticker, name string) error {
	var tag models.Tag
	err := tx.Where("name = ?", name).First(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tag = models.Tag{Name: name}
		if err := tx.Create(&tag).Error; err != nil {
			return fmt.Errorf("failed to create tag %q: %w", name, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to look up tag %q: %w", name, err)
	}

	if err := tx.Model(sticker).Association("Tags").Append(&tag); err != nil {
		return fmt.Errorf("failed to attach tag %q: %w", name, err)
	}
	if err := tx.Model(&tag).UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error; err != nil {
		return fmt.Errorf("failed to bump tag usage: %w", err)
	}
	return nil
}

// detachTag unlinks a tag and lowers its usage count, flooring at zero
func (s *Service) detachTag(tx *gorm.DB, sticker *models.Sticker, tag *models.Tag) error {
	if err := tx.Model(sticker).Association("Tags").Delete(tag); err != nil {
		return fmt.Errorf("failed to detach tag %q: %w", tag.Name, err)
	}
	err := tx.Model(tag).
		Where("usage_count > 0").
		UpdateColumn("usage_count", gorm.Expr("usage_count - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to lower tag usage: %w", err)
	}
	return nil
}

func (s *Service) deleteSticker(tx *gorm.DB, sticker *models.Sticker) error {
	for i := range sticker.Tags {
		if err := s.detachTag(tx, sticker, &sticker.Tags[i]); err != nil {
			return err
		}
	}
	if err := tx.Where("sticker_id = ?", sticker.ID).Delete(&models.UserAction{}).Error; err != nil {
		return fmt.Errorf("failed to delete reactions: %w", err)
	}
	if err := tx.Where("sticker_id = ?", sticker.ID).Delete(&models.OperationLog{}).Error; err != nil {
		return fmt.Errorf("failed to delete operation logs: %w", err)
	}
	if err := tx.Delete(sticker).Error; err != nil {
		return fmt.Errorf("failed to delete sticker: %w", err)
	}
	s.logger.Info("sticker deleted", zap.String("id", sticker.ID), zap.String("md5", sticker.MD5))
	return nil
}

// archiveCopy keeps a local copy of the original upload, named by md5 with
// the extension the image host assigned. Failures only log.
func (s *Service) archiveCopy(md5Hash, url string, image []byte) {
	ext := "png"
	if idx := strings.LastIndex(url, "."); idx >= 0 && idx < len(url)-1 {
		ext = url[idx+1:]
	}
	path := filepath.Join(s.archiveDir, fmt.Sprintf("%s.%s", md5Hash, ext))
	if err := os.WriteFile(path, image, 0o644); err != nil {
		s.logger.Error("failed to archive sticker locally", zap.String("path", path), zap.Error(err))
	}
}

func (s *Service) sanitizeText(text string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(text))
}

func bump(sticker *models.Sticker, action string, delta int) {
	switch action {
	case models.ActionLike:
		sticker.Likes += delta
		if sticker.Likes < 0 {
			sticker.Likes = 0
		}
	case models.ActionDislike:
		sticker.Dislikes += delta
		if sticker.Dislikes < 0 {
			sticker.Dislikes = 0
		}
	}
}
