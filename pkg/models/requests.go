package models

// StickerView is the API representation of a sticker
type StickerView struct {
	ID             string   `json:"id"`
	MD5            string   `json:"md5"`
	URL            string   `json:"url"`
	Description    string   `json:"description"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
	Likes          int      `json:"likes"`
	Dislikes       int      `json:"dislikes"`
	DoroConfidence float64  `json:"doro_confidence"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	FileSize       *int64   `json:"file_size,omitempty"`
	Tags           []string `json:"tags"`
	UserAction     *string  `json:"user_action,omitempty"`
}

// StickerPage is a paginated sticker listing
type StickerPage struct {
	Total int64          `json:"total"`
	Items []*StickerView `json:"items"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Pages int64          `json:"pages"`
}

// UploadResponse is returned by the upload endpoint
type UploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Sticker *StickerView `json:"sticker,omitempty"`
}

// UpdateStickerRequest carries a partial sticker update
type UpdateStickerRequest struct {
	Description *string `json:"description" validate:"omitempty,max=64"`
	Likes       *int    `json:"likes" validate:"omitempty,min=0"`
	Dislikes    *int    `json:"dislikes" validate:"omitempty,min=0"`
}

// UpdateDescriptionRequest carries a description edit
type UpdateDescriptionRequest struct {
	Description string `json:"description" binding:"required" validate:"required,max=64"`
}

// AddTagRequest attaches a single tag to a sticker
type AddTagRequest struct {
	TagName string `json:"tag_name" binding:"required" validate:"required,max=32"`
}

// ReplaceTagsRequest replaces a sticker's tag set
type ReplaceTagsRequest struct {
	Tags []string `json:"tags" binding:"required" validate:"required,dive,max=32"`
}

// BatchDeleteRequest names the stickers to delete
type BatchDeleteRequest struct {
	StickerIDs []string `json:"sticker_ids" binding:"required" validate:"required,min=1,max=100"`
}

// Prediction is the classifier verdict for an image
type Prediction struct {
	IsDoro        bool               `json:"is_doro"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// PopularTag is a tag ranked by usage
type PopularTag struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}
