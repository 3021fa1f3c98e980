package chat

import "time"

// Chat 归属于一个用户并绑定角色的对话
type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	PersonaID string    `json:"personaId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamSession 一次助手回合的生成过程及其事件日志。
// 只有聊天中最新创建的会话可以被恢复。
type StreamSession struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
}
