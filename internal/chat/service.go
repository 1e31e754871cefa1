package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/medchat/internal/common"
)

// Service is the chat persistence layer. Every operation takes the caller's
// practitioner id and only touches chats that practitioner owns.
type Service struct {
	repo *Repo
	now  func() time.Time
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) VerifyChatAccess(ctx context.Context, chatID, practitionerID string) (bool, error) {
	if chatID == "" || practitionerID == "" {
		return false, nil
	}
	_, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetChat returns the chat if the practitioner owns it, else ErrNotFound.
func (s *Service) GetChat(ctx context.Context, chatID, practitionerID string) (*Chat, error) {
	return s.repo.GetOwnedChat(ctx, chatID, practitionerID)
}

func (s *Service) CreateChat(ctx context.Context, practitionerID, title string) (string, error) {
	return s.createChat(ctx, common.NewChatID(), practitionerID, title)
}

// CreateChatWithID creates a chat under the client-proposed id when no chat
// uses it yet, otherwise under a fresh id. The effective id is returned.
func (s *Service) CreateChatWithID(ctx context.Context, chatID, practitionerID, title string) (string, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" || len(chatID) > 64 {
		return s.CreateChat(ctx, practitionerID, title)
	}
	exists, err := s.repo.ChatExists(ctx, chatID)
	if err != nil {
		return "", err
	}
	if exists {
		return s.CreateChat(ctx, practitionerID, title)
	}
	return s.createChat(ctx, chatID, practitionerID, title)
}

func (s *Service) createChat(ctx context.Context, chatID, practitionerID, title string) (string, error) {
	u, err := s.repo.GetUserByPractitionerID(ctx, practitionerID)
	if err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	c := &Chat{
		ID:        chatID,
		UserID:    u.ID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	return c.ID, nil
}

// LoadChat returns the transcript oldest first. A chat that is missing or not
// owned by the caller yields an empty transcript, same as an empty chat.
func (s *Service) LoadChat(ctx context.Context, chatID, practitionerID string) ([]UIMessage, error) {
	if _, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []UIMessage{}, nil
		}
		return nil, err
	}
	rows, err := s.repo.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]UIMessage, 0, len(rows))
	for _, m := range rows {
		ui, err := toUIMessage(m)
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		out = append(out, ui)
	}
	return out, nil
}

// SaveChat appends the messages whose ids are not stored in this chat yet and
// touches the chat's updated_at. Callers pass the whole transcript every time.
// Client-supplied createdAt values are ignored.
func (s *Service) SaveChat(ctx context.Context, chatID, practitionerID string, messages []UIMessage) error {
	if _, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID); err != nil {
		return err
	}

	existing, err := s.repo.ListMessageIDs(ctx, chatID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}

	now := s.now()
	novel := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == "" {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}

		content, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		// server clock only; spacing keeps batch order
		novel = append(novel, Message{
			ID:        m.ID,
			ChatID:    chatID,
			Role:      m.Role,
			Content:   content,
			CreatedAt: now.Add(time.Duration(len(novel)) * time.Millisecond),
		})
	}

	if err := s.repo.InsertMessages(ctx, novel); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	return s.repo.TouchChat(ctx, chatID, now)
}

func (s *Service) UpdateChatTitle(ctx context.Context, chatID, practitionerID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is required")
	}
	if _, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID); err != nil {
		return err
	}
	return s.repo.UpdateChat(ctx, chatID, map[string]any{"title": title, "updated_at": s.now()})
}

// TogglePinChat flips the pinned flag and returns the new value.
func (s *Service) TogglePinChat(ctx context.Context, chatID, practitionerID string) (bool, error) {
	c, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID)
	if err != nil {
		return false, err
	}
	pinned := !c.Pinned
	if err := s.repo.UpdateChat(ctx, chatID, map[string]any{"pinned": pinned, "updated_at": s.now()}); err != nil {
		return false, err
	}
	return pinned, nil
}

func (s *Service) DeleteChat(ctx context.Context, chatID, practitionerID string) error {
	if _, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID); err != nil {
		return err
	}
	return s.repo.DeleteChat(ctx, chatID)
}

func (s *Service) GetUserChats(ctx context.Context, practitionerID string) ([]Summary, error) {
	out, err := s.repo.ListChatsByPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Summary{}
	}
	return out, nil
}

func (s *Service) AppendStreamID(ctx context.Context, chatID, practitionerID, streamID string) error {
	if _, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID); err != nil {
		return err
	}
	return s.repo.InsertStream(ctx, &Stream{ID: streamID, ChatID: chatID, CreatedAt: s.now()})
}

// LoadStreams returns the chat's stream ids oldest first, or none when the
// chat is not the caller's.
func (s *Service) LoadStreams(ctx context.Context, chatID, practitionerID string) ([]string, error) {
	if _, err := s.repo.GetOwnedChat(ctx, chatID, practitionerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	ids, err := s.repo.ListStreamIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
