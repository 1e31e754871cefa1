package chat

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/medchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// owned scopes a chats query to rows owned by practitionerID.
func (r *Repo) owned(ctx context.Context, chatID, practitionerID string) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&Chat{}).
		Joins("JOIN users ON users.id = chats.user_id").
		Where("chats.id = ? AND users.practitioner_id = ?", chatID, practitionerID)
}

func (r *Repo) GetOwnedChat(ctx context.Context, chatID, practitionerID string) (*Chat, error) {
	var c Chat
	if err := r.owned(ctx, chatID, practitionerID).Select("chats.*").First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ChatExists(ctx context.Context, chatID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", chatID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) GetUserByPractitionerID(ctx context.Context, practitionerID string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("practitioner_id = ?", practitionerID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// ListMessages returns messages in ASC created_at order (oldest -> newest).
func (r *Repo) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) ListMessageIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("chat_id = ?", chatID).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertMessages inserts msgs, skipping any id the chat already holds.
func (r *Repo) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chat_id"}, {Name: "id"}}, DoNothing: true}).
		Create(&msgs).Error
}

func (r *Repo) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", chatID).
		Update("updated_at", at).Error
}

func (r *Repo) UpdateChat(ctx context.Context, chatID string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", chatID).
		Updates(fields).Error
}

// DeleteChat removes the chat with its messages and streams.
func (r *Repo) DeleteChat(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&Stream{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", chatID).Delete(&Chat{}).Error
	})
}

// ListChatsByPractitioner returns the practitioner's chats, most recently
// updated first, with their message counts.
func (r *Repo) ListChatsByPractitioner(ctx context.Context, practitionerID string) ([]Summary, error) {
	counts := r.db.Model(&Message{}).
		Select("chat_id, COUNT(*) AS message_count").
		Group("chat_id")

	var out []Summary
	if err := r.db.WithContext(ctx).
		Table("chats").
		Select("chats.id, chats.title, chats.pinned, chats.created_at, chats.updated_at, COALESCE(mc.message_count, 0) AS message_count").
		Joins("JOIN users ON users.id = chats.user_id").
		Joins("LEFT JOIN (?) AS mc ON mc.chat_id = chats.id", counts).
		Where("users.practitioner_id = ?", practitionerID).
		Order("chats.updated_at DESC").
		Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) InsertStream(ctx context.Context, s *Stream) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) ListStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&Stream{}).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
