package auth

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

type userContextKey struct{}

// WithUser 将用户 ID 写入 context
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext 获取已认证的用户 ID
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userContextKey{}).(string)
	return userID, ok && userID != ""
}

// Middleware 在 handler 执行前解析调用方身份。token 取自 Authorization 头，
// 无法设置请求头的客户端（EventSource、websocket）可改用 access_token 查询参数
func Middleware(s *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), AnonymousUser)))
				return
			}
			token := extractToken(r)
			if token == "" {
				utils.RespondError(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			userID, err := s.Validate(token)
			if err != nil {
				log.Printf("[auth] rejected token from %s: %v", r.RemoteAddr, err)
				utils.RespondError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
