// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/mailbox/internal/model"
)

// RecipientHeader は呼び出し元の市場参加者（GLN/EIC）を伝えるヘッダー名。
// 認証済みの識別子を付与する前段のゲートウェイが設定する。
const RecipientHeader = "X-Market-Operator"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	recipientContextKey       = contextKey("market_operator")
	recipientHolderContextKey = contextKey("market_operator_holder")
)

// recipientHolder はアクセスログが外側から受信者を参照するための入れ物。
type recipientHolder struct {
	recipient model.MarketOperator
}

func withRecipientHolder(ctx context.Context, h *recipientHolder) context.Context {
	return context.WithValue(ctx, recipientHolderContextKey, h)
}

// NewRecipientMiddleware はヘッダーから受信者を読み取りコンテキストに注入するミドルウェアを返す。
// ヘッダーが無いリクエストには401を返す。
func NewRecipientMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recipient := strings.TrimSpace(r.Header.Get(RecipientHeader))
			if recipient == "" || model.TooLong(recipient, model.MaxRecipientLength) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithRecipient(r.Context(), model.MarketOperator(recipient))
			if h, ok := ctx.Value(recipientHolderContextKey).(*recipientHolder); ok {
				h.recipient = model.MarketOperator(recipient)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecipientFromContext はリクエストコンテキストから受信者を取得する。
func RecipientFromContext(ctx context.Context) (model.MarketOperator, error) {
	recipient, ok := ctx.Value(recipientContextKey).(model.MarketOperator)
	if !ok || recipient == "" {
		return "", fmt.Errorf("market operator not found in context")
	}
	return recipient, nil
}

// ContextWithRecipient はコンテキストに受信者を注入する。
func ContextWithRecipient(ctx context.Context, recipient model.MarketOperator) context.Context {
	return context.WithValue(ctx, recipientContextKey, recipient)
}
