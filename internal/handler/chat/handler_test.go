package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-relay/backend/internal/auth"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/persona"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

func setupRouter(userID string) (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(chat.NewMemoryStore(), persona.NewMemoryStore(persona.Seed()))
	handler := New(chatSvc)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithUser(req.Context(), userID)))
		})
	})
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func TestCreateChat(t *testing.T) {
	r, _ := setupRouter("alice")
	payload, _ := json.Marshal(map[string]string{"personaId": "researcher", "title": "notes"})

	req := httptest.NewRequest(http.MethodPost, "/chats", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var created chat.Chat
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.OwnerID != "alice" || created.PersonaID != "researcher" {
		t.Fatalf("unexpected chat: %+v", created)
	}
}

func TestCreateChatUnknownPersona(t *testing.T) {
	r, _ := setupRouter("alice")
	payload, _ := json.Marshal(map[string]string{"personaId": "nobody"})

	req := httptest.NewRequest(http.MethodPost, "/chats", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListMessagesOwnership(t *testing.T) {
	r, svc := setupRouter("mallory")
	c, err := svc.CreateChat(context.Background(), "alice", "", "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	cases := map[string]int{
		"/chats/" + c.ID + "/messages":         http.StatusForbidden,
		"/chats/missing/messages":              http.StatusNotFound,
		"/chats/" + c.ID + "/messages?limit=x": http.StatusBadRequest,
	}
	for path, want := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.Code)
		}
	}
}

func TestListChatsOnlyOwn(t *testing.T) {
	r, svc := setupRouter("alice")
	ctx := context.Background()
	if _, err := svc.CreateChat(ctx, "alice", "", "mine"); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := svc.CreateChat(ctx, "bob", "", "theirs"); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/chats", nil))

	var chats []chat.Chat
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(chats) != 1 || chats[0].Title != "mine" {
		t.Fatalf("unexpected chats: %+v", chats)
	}
}
