package model

import "time"

// Bundle は受信者に配信する単位。1つ以上の通知をまとめる。
// 同一(受信者, 排他グループ)につき未確認のBundleはストア上で1件まで。
// 構成する通知IDは作成後に変更されず、ContentRefは一度設定されたら変わらない。
type Bundle struct {
	ID              string
	Recipient       MarketOperator
	Origin          DomainOrigin
	ContentType     string
	NotificationIDs []string
	ContentRef      string // 空文字は未解決
	Acknowledged    bool
	CreatedAt       time.Time
	AcknowledgedAt  *time.Time
}

// HasContent はコンテンツ参照が解決済みかどうかを返す。
func (b *Bundle) HasContent() bool {
	return b.ContentRef != ""
}

// Group はBundleのカテゴリが属する排他グループを返す。
func (b *Bundle) Group() (ExclusivityGroup, error) {
	return b.Origin.Group()
}

// CreateOutcome はBundleStore.TryCreateの三値の結果を表す。
type CreateOutcome int

const (
	// CreateSuccess は作成に成功したことを表す。
	CreateSuccess CreateOutcome = iota
	// CreateConflictExclusivityGroup は同一排他グループに未確認バンドルが既に存在したことを表す。
	// 競合に負けただけであり、エラーではない。
	CreateConflictExclusivityGroup
	// CreateConflictDuplicateID は同じIDのバンドルが既に存在したことを表す。
	CreateConflictDuplicateID
)

// String はfmt.Stringerを実装する。
func (o CreateOutcome) String() string {
	switch o {
	case CreateSuccess:
		return "success"
	case CreateConflictExclusivityGroup:
		return "conflict_exclusivity_group"
	case CreateConflictDuplicateID:
		return "conflict_duplicate_id"
	default:
		return "unknown"
	}
}
