package middleware

import "net/http"

// NewSecurityHeadersMiddleware はAPIレスポンス共通のヘッダーを付与するミドルウェアを返す。
// peekの応答は受信者ごとに変わるため、中間キャッシュに保存させない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
