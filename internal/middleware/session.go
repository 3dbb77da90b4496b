// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/eventman/internal/model"
)

const bearerPrefix = "Bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	identityContextKey     = contextKey("identity")
	sessionTokenContextKey = contextKey("session_token")
)

// Identifier はセッショントークンから呼び出し元を解決するインターフェース。
// auth.Serviceが実装する。
type Identifier interface {
	Identify(ctx context.Context, sessionID string) (*model.Identity, error)
}

// NewSessionMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みの呼び出し元とトークンをリクエストコンテキストに注入する。
// トークンがない、または無効な場合は401 UNAUTHENTICATEDを返す。
func NewSessionMiddleware(identifier Identifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			identity, err := identifier.Identify(r.Context(), token)
			if err != nil {
				if !model.HasCode(err, model.ErrCodeUnauthenticated) {
					slog.Error("failed to identify session",
						slog.String("error", err.Error()),
					)
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			ctx := ContextWithIdentity(r.Context(), *identity)
			ctx = context.WithValue(ctx, sessionTokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。ない場合は空文字を返す。
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// IdentityFromContext はリクエストコンテキストから呼び出し元を取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	if !ok || identity.UserID == "" {
		return model.Identity{}, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return "", err
	}
	return identity.UserID, nil
}

// SessionTokenFromContext はリクエストコンテキストからセッショントークンを取得する。
func SessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenContextKey).(string)
	return token
}

// ContextWithIdentity はコンテキストに呼び出し元を注入する。
// 外側のロギングミドルウェアがあれば、ログ用にユーザーIDを通知する。
func ContextWithIdentity(ctx context.Context, identity model.Identity) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.userID = identity.UserID
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

// ContextWithUserID はコンテキストにユーザーIDのみを注入する。テストで使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithIdentity(ctx, model.Identity{UserID: userID, Role: model.RoleUser})
}
