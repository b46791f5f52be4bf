package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sticker reaction actions recorded per client IP.
const (
	ActionLike    = "like"
	ActionDislike = "dislike"
)

// Operation log entry kinds.
const (
	OperationUpload            = "upload"
	OperationUpdateDescription = "update_description"
)

// Sticker represents a collected DORO sticker
type Sticker struct {
	ID             string  `json:"id" gorm:"primaryKey;type:varchar(36)" validate:"omitempty,uuid"`
	MD5            string  `json:"md5" gorm:"type:varchar(32);uniqueIndex;not null" validate:"required,len=32,hexadecimal"`
	URL            string  `json:"url" gorm:"type:varchar(255);not null" validate:"required,url"`
	Description    string  `json:"description" gorm:"type:varchar(64);not null" validate:"required,max=64"`
	CreatedAt      int64   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      int64   `json:"updated_at" gorm:"autoUpdateTime"`
	Likes          int     `json:"likes" gorm:"not null;default:0" validate:"min=0"`
	Dislikes       int     `json:"dislikes" gorm:"not null;default:0" validate:"min=0"`
	DoroConfidence float64 `json:"doro_confidence" gorm:"not null;default:0" validate:"min=0,max=1"`
	Width          *int    `json:"width,omitempty"`
	Height         *int    `json:"height,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
	Tags           []Tag   `json:"-" gorm:"many2many:sticker_tags;constraint:OnDelete:CASCADE"`
}

// BeforeCreate assigns a UUID when none was provided
func (s *Sticker) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// TagNames returns the names of the sticker's loaded tags
func (s *Sticker) TagNames() []string {
	names := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		names = append(names, t.Name)
	}
	return names
}

// View converts the sticker into its API representation, optionally
// annotated with the requesting client's standing reaction
func (s *Sticker) View(userAction *string) *StickerView {
	return &StickerView{
		ID:             s.ID,
		MD5:            s.MD5,
		URL:            s.URL,
		Description:    s.Description,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Likes:          s.Likes,
		Dislikes:       s.Dislikes,
		DoroConfidence: s.DoroConfidence,
		Width:          s.Width,
		Height:         s.Height,
		FileSize:       s.FileSize,
		Tags:           s.TagNames(),
		UserAction:     userAction,
	}
}

// Tag represents a label attached to stickers
type Tag struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	Name       string `json:"name" gorm:"type:varchar(32);uniqueIndex;not null" validate:"required,max=32"`
	UsageCount int    `json:"usage_count" gorm:"not null;default:0" validate:"min=0"`
	CreatedAt  int64  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  int64  `json:"updated_at" gorm:"autoUpdateTime"`
}

// UserAction records a client's standing like/dislike for a sticker.
// The (ip_address, sticker_id) pair is unique: one reaction per client.
type UserAction struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	IPAddress string `json:"ip_address" gorm:"type:varchar(45);not null;uniqueIndex:idx_user_action,priority:1" validate:"required,ip"`
	StickerID string `json:"sticker_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_user_action,priority:2" validate:"required,uuid"`
	Action    string `json:"action" gorm:"type:varchar(10);not null" validate:"required,oneof=like dislike"`
}

// OperationLog audits uploads and description edits
type OperationLog struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	IPAddress      string `json:"ip_address" gorm:"type:varchar(45);not null"`
	UserAgent      string `json:"user_agent" gorm:"type:text"`
	StickerID      string `json:"sticker_id" gorm:"type:varchar(36);not null;index"`
	Operation      string `json:"operation" gorm:"type:varchar(32);not null" validate:"required,oneof=upload update_description"`
	OldDescription string `json:"old_description" gorm:"type:varchar(64)"`
	NewDescription string `json:"new_description" gorm:"type:varchar(64)"`
	OperationTime  int64  `json:"operation_time" gorm:"autoCreateTime;not null"`
}
