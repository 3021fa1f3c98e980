package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/persona"
)

var (
	ErrOwnerRequired  = errors.New("owner id is required")
	ErrUnknownPersona = errors.New("unknown persona")
)

const maxTitleLength = 80

// Service 负责聊天的生命周期和归属校验
type Service struct {
	store    chat.Store
	personas persona.Store
	now      func() time.Time
}

// NewService 创建聊天服务
func NewService(store chat.Store, personas persona.Store) *Service {
	return &Service{store: store, personas: personas, now: time.Now}
}

// CreateChat 为 ownerID 创建聊天并绑定角色，
// personaID 为空时使用默认角色
func (s *Service) CreateChat(ctx context.Context, ownerID, personaID, title string) (chat.Chat, error) {
	if ownerID == "" {
		return chat.Chat{}, ErrOwnerRequired
	}
	if personaID == "" {
		personaID = persona.DefaultID
	}
	if s.personas != nil {
		if _, ok := s.personas.FindByID(personaID); !ok {
			return chat.Chat{}, ErrUnknownPersona
		}
	}

	title = strings.TrimSpace(title)
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}

	c := chat.Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		PersonaID: personaID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateChat(ctx, c); err != nil {
		return chat.Chat{}, err
	}
	return c, nil
}

// Authorize 校验 userID 是否拥有该聊天
func (s *Service) Authorize(ctx context.Context, chatID, userID string) (chat.Chat, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return chat.Chat{}, err
	}
	if c.OwnerID != userID {
		return chat.Chat{}, chat.ErrForbidden
	}
	return c, nil
}

// ListChats 返回用户的聊天列表，最新的在前
func (s *Service) ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error) {
	return s.store.ListChats(ctx, ownerID)
}

// Messages 获取用户所拥有聊天的消息记录
func (s *Service) Messages(ctx context.Context, chatID, userID string, limit int) ([]chat.Message, error) {
	if _, err := s.Authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, chatID, limit)
}

// RecordUserMessage 保存回合中用户发送的消息
func (s *Service) RecordUserMessage(ctx context.Context, c chat.Chat, text string, attachments []chat.Attachment) (chat.Message, error) {
	msg := chat.Message{
		ID:          uuid.NewString(),
		ChatID:      c.ID,
		Role:        chat.RoleUser,
		Attachments: attachments,
		CreatedAt:   s.now().UTC(),
	}
	if text != "" {
		msg.Parts = []chat.Part{chat.TextPart(text)}
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}
