package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/auth"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/persona"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/agent"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
	"github.com/zhouzirui/z-relay/backend/internal/service/restore"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
)

type runnerFunc func(ctx context.Context, req agent.Request, emit agent.Emitter) (agent.Result, error)

func (f runnerFunc) Run(ctx context.Context, req agent.Request, emit agent.Emitter) (agent.Result, error) {
	return f(ctx, req, emit)
}

func echoRunner(ctx context.Context, _ agent.Request, emit agent.Emitter) (agent.Result, error) {
	for _, d := range []string{"hello", " world"} {
		if err := emit.Emit(ctx, stream.TypeTextDelta, stream.TextDelta{Delta: d}); err != nil {
			return agent.Result{}, err
		}
	}
	return agent.Result{Steps: 1, FinishReason: stream.ReasonCompleted}, nil
}

type env struct {
	router  *chi.Mux
	chatSvc *chatService.Service
	coord   *session.Coordinator
	log     *eventlog.Durable
}

func setup(t *testing.T, runner session.Runner) *env {
	t.Helper()
	store := chat.NewMemoryStore()
	personas := persona.NewMemoryStore(persona.Seed())
	chatSvc := chatService.NewService(store, personas)
	l := eventlog.NewDurable(eventlog.NewMemoryBackend(), eventlog.Options{PollInterval: 5 * time.Millisecond})

	coord := session.New(session.Deps{
		Chats:    chatSvc,
		Store:    store,
		Personas: personas,
		Runner:   runner,
		Log:      l,
	}, session.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			user := req.Header.Get("X-Test-User")
			if user == "" {
				user = "alice"
			}
			next.ServeHTTP(w, req.WithContext(auth.WithUser(req.Context(), user)))
		})
	})
	New(coord, restore.NewStrategy(store, l, 0), chatSvc).RegisterRoutes(r)
	return &env{router: r, chatSvc: chatSvc, coord: coord, log: l}
}

func (e *env) newChat(t *testing.T) chat.Chat {
	t.Helper()
	c, err := e.chatSvc.CreateChat(context.Background(), "alice", "", "")
	require.NoError(t, err)
	return c
}

// completeTurn posts a message and waits until its event log is sealed.
func (e *env) completeTurn(t *testing.T, chatID string) {
	t.Helper()
	rec := postChat(e.router, chatID, "hi", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get("X-Session-Id")
	require.Eventually(t, func() bool {
		sealed, err := e.log.Backend().Sealed(context.Background(), sessionID)
		return err == nil && sealed
	}, 2*time.Second, 5*time.Millisecond)
}

func postChat(r http.Handler, chatID, text, user string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]any{"chatId": chatID, "message": map[string]string{"text": text}})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func parseSSE(t *testing.T, body string) []stream.Event {
	t.Helper()
	var events []stream.Event
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var e stream.Event
				require.NoError(t, json.Unmarshal([]byte(data), &e))
				events = append(events, e)
			}
		}
	}
	return events
}

func TestChatStreamsEvents(t *testing.T) {
	e := setup(t, runnerFunc(echoRunner))
	c := e.newChat(t)

	rec := postChat(e.router, c.ID, "hi", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Session-Id"))
	assert.Contains(t, rec.Body.String(), "id: 0\nevent: text-delta\n")

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, stream.TypeDone, events[2].Type)
}

func TestChatRejectsBadRequests(t *testing.T) {
	e := setup(t, runnerFunc(echoRunner))
	c := e.newChat(t)

	assert.Equal(t, http.StatusBadRequest, postChat(e.router, c.ID, "  ", "").Code)
	assert.Equal(t, http.StatusBadRequest, postChat(e.router, "", "hi", "").Code)
	assert.Equal(t, http.StatusNotFound, postChat(e.router, "missing", "hi", "").Code)
	assert.Equal(t, http.StatusForbidden, postChat(e.router, c.ID, "hi", "mallory").Code)

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResumeHonoursLastEventID(t *testing.T) {
	e := setup(t, runnerFunc(echoRunner))
	c := e.newChat(t)
	e.completeTurn(t, c.ID)

	req := httptest.NewRequest(http.MethodGet, "/chat/"+c.ID+"/stream", nil)
	req.Header.Set("Last-Event-ID", "0")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, stream.TypeDone, events[1].Type)
}

func TestResumeWithoutSessionIsNoContent(t *testing.T) {
	e := setup(t, runnerFunc(echoRunner))
	c := e.newChat(t)

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/"+c.ID+"/stream", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/chat/"+c.ID+"/stream", nil)
	req.Header.Set("Last-Event-ID", "abc")
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	started := make(chan struct{})
	e := setup(t, runnerFunc(func(ctx context.Context, _ agent.Request, emit agent.Emitter) (agent.Result, error) {
		_ = emit.Emit(ctx, stream.TypeTextDelta, stream.TextDelta{Delta: "thinking"})
		close(started)
		<-ctx.Done()
		return agent.Result{}, context.Cause(ctx)
	}))
	c := e.newChat(t)

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chat/"+c.ID+"/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- postChat(e.router, c.ID, "hi", "") }()
	<-started

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chat/"+c.ID+"/stream", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case live := <-done:
		events := parseSSE(t, live.Body.String())
		require.Len(t, events, 2)
		var payload stream.Done
		require.NoError(t, events[1].Decode(&payload))
		assert.Equal(t, stream.ReasonCanceled, payload.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
}

func TestResumeOverWebSocket(t *testing.T) {
	e := setup(t, runnerFunc(echoRunner))
	c := e.newChat(t)
	e.completeTurn(t, c.ID)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/" + c.ID + "/stream/ws?lastEventId=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got stream.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int64(2), got.Sequence)
	assert.Equal(t, stream.TypeDone, got.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

// slowSource 先阻塞一段时间再产出一条事件，然后结束
type slowSource struct {
	delay time.Duration
	sent  bool
}

func (s *slowSource) Next(ctx context.Context) (stream.Event, error) {
	if s.sent {
		return stream.Event{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return stream.Event{}, ctx.Err()
	case <-time.After(s.delay):
	}
	s.sent = true
	e, err := stream.New(stream.TypeTextDelta, stream.TextDelta{Delta: "late"})
	if err != nil {
		return stream.Event{}, err
	}
	return e, nil
}

func TestPumpWritesKeepAliveWhileIdle(t *testing.T) {
	h := &Handler{keepAlive: 10 * time.Millisecond}
	rec := httptest.NewRecorder()

	err := h.pump(context.Background(), rec, rec, &slowSource{delay: 80 * time.Millisecond})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, ": keepalive\n\n")
	assert.Contains(t, body, "event: text-delta")
	// 空闲期间先写出保活注释
	assert.Less(t, strings.Index(body, ": keepalive"), strings.Index(body, "event: text-delta"))
}

func TestPumpWithoutKeepAliveWritesOnlyEvents(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()

	require.NoError(t, h.pump(context.Background(), rec, rec, &slowSource{delay: 30 * time.Millisecond}))
	assert.NotContains(t, rec.Body.String(), "keepalive")
}
