// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/mailbox/internal/model"
)

// NotificationRepository は通知データの永続化インターフェース。
// 確認済みの通知は未確認クエリで返さない。
type NotificationRepository interface {
	// OldestUnacknowledged は受信者の未確認通知のうちシーケンス番号が最も小さいものを返す。
	// originsを指定した場合はそのカテゴリに限定する。見つからない場合はnilを返す。
	OldestUnacknowledged(ctx context.Context, recipient model.MarketOperator, origins ...model.DomainOrigin) (*model.DataAvailableNotification, error)

	// UnacknowledgedBatch はCabinetKeyに一致する未確認通知をシーケンス番号昇順で返す。
	// BundlingEngineの候補集合として使用する。
	UnacknowledgedBatch(ctx context.Context, key model.CabinetKey) ([]model.DataAvailableNotification, error)

	// Acknowledge は指定IDの通知を確認済みにする。
	// 大量のIDは内部でチャンク分割する。確認済みIDの再指定はエラーにしない。
	Acknowledge(ctx context.Context, recipient model.MarketOperator, ids []string) error

	// Save は通知を1件保存する。シーケンス番号はストアが採番する。
	Save(ctx context.Context, n *model.DataAvailableNotification) error

	// SaveBatch は同一CabinetKeyの通知を同一トランザクションで保存する。
	SaveBatch(ctx context.Context, key model.CabinetKey, ns []*model.DataAvailableNotification) error
}

// BundleRepository はバンドルの永続化インターフェース。
// 同一(受信者, 排他グループ)につき未確認バンドルが1件までであることはTryCreateだけが保証する。
type BundleRepository interface {
	// GetUnacknowledged は受信者・排他グループの未確認バンドルを返す。見つからない場合はnilを返す。
	GetUnacknowledged(ctx context.Context, recipient model.MarketOperator, group model.ExclusivityGroup) (*model.Bundle, error)

	// TryCreate は未確認バンドルが存在しない場合に限りバンドルを原子的に作成する。
	// 同じIDのバンドルが既に存在する場合は排他判定に関わらずCreateConflictDuplicateIDを返す。
	TryCreate(ctx context.Context, bundle *model.Bundle) (model.CreateOutcome, error)

	// Acknowledge はバンドルを確認済みにする。再実行しても結果は変わらない。
	Acknowledge(ctx context.Context, bundleID string) error

	// SetContent はコンテンツ参照を設定する。既に設定済みの場合は上書きせず、
	// 先に設定された参照を返す。
	SetContent(ctx context.Context, bundleID, contentRef string) (string, error)
}
