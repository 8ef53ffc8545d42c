package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し元に返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, delivery, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDuplicateBundleID       = "DUPLICATE_BUNDLE_ID"
	ErrCodeAcknowledgeRejected     = "ACKNOWLEDGE_REJECTED"
	ErrCodeInvalidDomainOrigin     = "INVALID_DOMAIN_ORIGIN"
	ErrCodeInvalidExclusivityGroup = "INVALID_EXCLUSIVITY_GROUP"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// NewDuplicateBundleIDError は指定されたバンドルIDが既存のバンドルと衝突した場合のエラーを生成する。
// 自動的には再試行しない。
func NewDuplicateBundleIDError(bundleID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateBundleID,
		Message:  fmt.Sprintf("指定されたバンドルIDは既に使用されています: %s", bundleID),
		Category: "validation",
		Action:   "新しいバンドルIDを指定して再度peekしてください。",
	}
}

// NewAcknowledgeRejectedError は未確認バンドルと一致しないIDで確認しようとした場合のエラーを生成する。
func NewAcknowledgeRejectedError(bundleID string) *APIError {
	return &APIError{
		Code:     ErrCodeAcknowledgeRejected,
		Message:  fmt.Sprintf("バンドルを確認できませんでした: %s", bundleID),
		Category: "delivery",
		Action:   "peekで現在のバンドルIDを取得してから確認してください。",
	}
}

// NewInvalidDomainOriginError は無効なドメイン起点カテゴリのエラーを生成する。
func NewInvalidDomainOriginError(origin string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDomainOrigin,
		Message:  fmt.Sprintf("無効なドメイン起点カテゴリです: %s", origin),
		Category: "validation",
		Action:   "TimeSeries、Aggregations、MarketRoles、MeteringPoints、Charges のいずれかを指定してください。",
	}
}

// NewInvalidExclusivityGroupError は無効な排他グループのエラーを生成する。
func NewInvalidExclusivityGroupError(group string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidExclusivityGroup,
		Message:  fmt.Sprintf("無効な排他グループです: %s", group),
		Category: "validation",
		Action:   "timeseries、aggregations、masterdata のいずれかを指定してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnauthorizedError は受信者を特定できない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "市場参加者を特定できません。",
		Category: "auth",
		Action:   "X-Market-Operator ヘッダーにGLNまたはEICを指定してください。",
	}
}

// NewRateLimitExceededError は受信者ごとのリクエスト上限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError はストア障害などで要求を処理できなかった場合のエラーを生成する。
// peekと確認は冪等なため、呼び出し元は同じ要求を再送できる。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "要求を処理できませんでした。",
		Category: "system",
		Action:   "同じ要求をそのまま再送してください。peekと確認は何度送っても結果が変わりません。",
	}
}
