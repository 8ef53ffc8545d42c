package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通確認に使用する。*sql.DBとsubdomain.Clientが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckers は複数の依存先をまとめて確認する。最初の失敗を返す。
type HealthCheckers []HealthChecker

// PingContext は全ての依存先を順に確認する。
func (hs HealthCheckers) PingContext(ctx context.Context) error {
	for _, h := range hs {
		if err := h.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NewHealthHandler はGET /healthのハンドラーを返す。
// データベースに到達できない場合や、サブドメイン応答を受信できない場合は503を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
