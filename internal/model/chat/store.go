package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrForbidden    = errors.New("chat belongs to another user")
)

// Store 持久化聊天、消息以及流会话
type Store interface {
	CreateChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, id string) (Chat, error)
	ListChats(ctx context.Context, ownerID string) ([]Chat, error)

	AppendMessage(ctx context.Context, message Message) error
	// ListMessages 返回最新的至多 limit 条消息，按时间正序排列。
	// limit <= 0 时返回全部历史。
	ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	LatestMessage(ctx context.Context, chatID string) (Message, bool, error)

	CreateStreamSession(ctx context.Context, session StreamSession) error
	LatestStreamSession(ctx context.Context, chatID string) (StreamSession, bool, error)
}

// MemoryStore 把数据全部放在进程内存中，用于开发环境，
// 也是未配置数据库时的降级默认实现
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]Chat
	messages map[string][]Message
	sessions map[string][]StreamSession
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]Chat),
		messages: make(map[string][]Message),
		sessions: make(map[string][]StreamSession),
	}
}

func (s *MemoryStore) CreateChat(_ context.Context, chat Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	if _, ok := s.messages[chat.ID]; !ok {
		s.messages[chat.ID] = make([]Message, 0, 16)
	}
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (s *MemoryStore) ListChats(_ context.Context, ownerID string) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]Chat, 0)
	for _, chat := range s.chats {
		if chat.OwnerID == ownerID {
			chats = append(chats, chat)
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].CreatedAt.After(chats[j].CreatedAt) })
	return chats, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[message.ChatID]; !ok {
		return ErrChatNotFound
	}
	s.messages[message.ChatID] = append(s.messages[message.ChatID], message)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages, ok := s.messages[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	copied := make([]Message, len(messages)-start)
	copy(copied, messages[start:])
	return copied, nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, chatID string) (Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := s.messages[chatID]
	if len(messages) == 0 {
		return Message{}, false, nil
	}
	return messages[len(messages)-1], true, nil
}

func (s *MemoryStore) CreateStreamSession(_ context.Context, session StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[session.ChatID]; !ok {
		return ErrChatNotFound
	}
	s.sessions[session.ChatID] = append(s.sessions[session.ChatID], session)
	return nil
}

func (s *MemoryStore) LatestStreamSession(_ context.Context, chatID string) (StreamSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := s.sessions[chatID]
	if len(sessions) == 0 {
		return StreamSession{}, false, nil
	}
	return sessions[len(sessions)-1], true, nil
}
