package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO chats(id, owner_id, persona_id, title, created_at) VALUES(?, ?, ?, ?, ?)`),
		c.ID, c.OwnerID, c.PersonaID, c.Title, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, owner_id, persona_id, title, created_at FROM chats WHERE id = ?`), id)
	var (
		c       chat.Chat
		created int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.PersonaID, &c.Title, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Chat{}, chat.ErrChatNotFound
		}
		return chat.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, owner_id, persona_id, title, created_at FROM chats WHERE owner_id = ? ORDER BY created_at DESC`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]chat.Chat, 0)
	for rows.Next() {
		var (
			c       chat.Chat
			created int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.PersonaID, &c.Title, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m chat.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	attachments := []byte("[]")
	if len(m.Attachments) > 0 {
		if attachments, err = json.Marshal(m.Attachments); err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO messages(id, chat_id, role, parts, attachments, created_at) SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM chats WHERE id = ?)`),
		m.ID, m.ChatID, string(m.Role), string(parts), string(attachments), toMillis(m.CreatedAt), m.ChatID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrChatNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	query := `SELECT id, chat_id, role, parts, attachments, created_at FROM messages WHERE chat_id = ? ORDER BY seq DESC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) LatestMessage(ctx context.Context, chatID string) (chat.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, chat_id, role, parts, attachments, created_at FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT 1`), chatID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("latest message: %w", err)
	}
	return m, true, nil
}

func (s *Store) CreateStreamSession(ctx context.Context, session chat.StreamSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO stream_sessions(id, chat_id, created_at) SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM chats WHERE id = ?)`),
		session.ID, session.ChatID, toMillis(session.CreatedAt), session.ChatID)
	if err != nil {
		return fmt.Errorf("insert stream session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrChatNotFound
	}
	return nil
}

func (s *Store) LatestStreamSession(ctx context.Context, chatID string) (chat.StreamSession, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, chat_id, created_at FROM stream_sessions WHERE chat_id = ? ORDER BY seq DESC LIMIT 1`), chatID)
	var (
		session chat.StreamSession
		created int64
	)
	if err := row.Scan(&session.ID, &session.ChatID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.StreamSession{}, false, nil
		}
		return chat.StreamSession{}, false, fmt.Errorf("latest stream session: %w", err)
	}
	session.CreatedAt = fromMillis(created)
	return session, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (chat.Message, error) {
	var (
		m                  chat.Message
		role               string
		parts, attachments string
		created            int64
	)
	if err := row.Scan(&m.ID, &m.ChatID, &role, &parts, &attachments, &created); err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	m.CreatedAt = fromMillis(created)
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return chat.Message{}, fmt.Errorf("decode parts of %s: %w", m.ID, err)
	}
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return chat.Message{}, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	return m, nil
}
