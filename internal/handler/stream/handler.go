// Package stream 通过 Server-Sent Events 输出助手回合，
// 并允许客户端重新接上正在进行或刚结束的回合
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-relay/backend/internal/auth"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/restore"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Handler 聊天流相关接口
type Handler struct {
	turns    *session.Coordinator
	restorer *restore.Strategy
	chatSvc  *chatService.Service
	upgrader websocket.Upgrader
	// keepAlive 为 SSE 保活注释的间隔，<=0 表示关闭
	keepAlive time.Duration
}

const defaultKeepAlive = 15 * time.Second

// New 创建流处理器
func New(turns *session.Coordinator, restorer *restore.Strategy, chatSvc *chatService.Service) *Handler {
	return &Handler{
		turns:    turns,
		restorer: restorer,
		chatSvc:  chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		keepAlive: defaultKeepAlive,
	}
}

// RegisterRoutes 注册流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat/{chatID}/stream", h.handleResume)
	r.Get("/chat/{chatID}/stream/ws", h.handleResumeWebSocket)
	r.Delete("/chat/{chatID}/stream", h.handleCancel)
}

type chatRequest struct {
	ChatID  string `json:"chatId"`
	Message struct {
		Text        string            `json:"text"`
		Attachments []chat.Attachment `json:"attachments"`
	} `json:"message"`
	// 未传时为 nil，沿用角色默认工具
	ToolSelection []string `json:"toolSelection"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "chatId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	turn, err := h.turns.StartTurn(r.Context(), session.TurnRequest{
		ChatID:        req.ChatID,
		UserID:        userID,
		Text:          req.Message.Text,
		Attachments:   req.Message.Attachments,
		ToolSelection: req.ToolSelection,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("X-Session-Id", turn.Session().ID)
	w.Header().Set("X-User-Message-Id", turn.UserMessage().ID)
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := h.pump(r.Context(), w, flusher, turn); err != nil {
		turn.Detach()
		log.Printf("[http] live consumer of %s left: %v", turn.Session().ID, err)
	}
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !h.authorize(w, r, chatID) {
		return
	}
	from, err := resumeOffset(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	src, err := h.restorer.Resume(r.Context(), chatID, from)
	if errors.Is(err, restore.ErrNothingToResume) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	if err := h.pump(r.Context(), w, flusher, src); err != nil {
		log.Printf("[http] resume consumer of chat=%s left: %v", chatID, err)
	}
}

func (h *Handler) handleResumeWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !h.authorize(w, r, chatID) {
		return
	}
	from, err := resumeOffset(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[http] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// 客户端不会发送有效内容，读取只用于发现连接关闭
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	src, err := h.restorer.Resume(ctx, chatID, from)
	if err != nil {
		reason := "nothing to resume"
		if !errors.Is(err, restore.ErrNothingToResume) {
			log.Printf("[http] websocket resume for chat=%s failed: %v", chatID, err)
			reason = "resume failed"
		}
		closeWebSocket(conn, websocket.CloseNormalClosure, reason)
		return
	}

	for {
		e, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			closeWebSocket(conn, websocket.CloseNormalClosure, "stream complete")
			return
		}
		if err != nil {
			return
		}
		if err := conn.WriteJSON(e); err != nil {
			log.Printf("[http] websocket write for chat=%s failed: %v", chatID, err)
			return
		}
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	s, err := h.turns.CancelChat(r.Context(), chi.URLParam(r, "chatID"), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"sessionId": s.ID, "status": "canceling"})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, chatID string) bool {
	userID, _ := auth.UserFromContext(r.Context())
	if _, err := h.chatSvc.Authorize(r.Context(), chatID, userID); err != nil {
		respondServiceError(w, err)
		return false
	}
	return true
}

type source interface {
	Next(ctx context.Context) (stream.Event, error)
}

// pump 持续写出事件直到 source 结束；返回非 nil 表示客户端已离开或写失败。
// 等待期间按 keepAlive 间隔写注释行，防止代理因空闲断开连接。
func (h *Handler) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, src source) error {
	var mu sync.Mutex
	stop := make(chan struct{})
	var wg sync.WaitGroup
	if h.keepAlive > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(h.keepAlive)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					mu.Lock()
					utils.WriteSSEComment(w, flusher, "keepalive")
					mu.Unlock()
				}
			}
		}()
	}
	// ResponseWriter 在 handler 返回后不可再写
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		e, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		mu.Lock()
		err = utils.WriteSSEEvent(w, flusher, e)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// resumeOffset 读取 Last-Event-ID（请求头，或供无法设置请求头的客户端使用的
// lastEventId 查询参数），返回仍需要的第一个序号
func resumeOffset(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, errors.New("last event id must be a non-negative integer")
	}
	return id + 1, nil
}

func closeWebSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrChatNotFound), errors.Is(err, session.ErrNoActiveSession):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrForbidden):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrShuttingDown):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("[http] stream request failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
