package model

import (
	"math"
	"time"
	"unicode/utf8"
)

// 保存先の列長の上限（文字数）。
const (
	MaxIDLength          = 64
	MaxRecipientLength   = 64
	MaxContentTypeLength = 255
)

// TooLong はsの文字数がmaxを超えるかを返す。
func TooLong(s string, max int) bool {
	return utf8.RuneCountInString(s) > max
}

// Weight はバンドルに含める際のコストを表す非負の整数。単位はない。
type Weight int64

// MaxWeightValue はWeightの最大値。
const MaxWeightValue Weight = math.MaxInt64

// Add は2つのWeightを加算する。オーバーフローする場合はMaxWeightValueで飽和させる。
func (w Weight) Add(other Weight) Weight {
	if other > 0 && w > MaxWeightValue-other {
		return MaxWeightValue
	}
	return w + other
}

// DataAvailableNotification はサブドメインが受信者向けデータの存在を通知したものを表す。
// 確認済み（Acknowledged=true）になった通知は未確認クエリで返されてはならない。
type DataAvailableNotification struct {
	ID               string
	Recipient        MarketOperator
	ContentType      string
	Origin           DomainOrigin
	SupportsBundling bool
	Weight           Weight
	SequenceNumber   int64
	Acknowledged     bool
	CreatedAt        time.Time
}

// CabinetKey は同じ将来のバンドルに入る通知をまとめるための派生キー。
// 取り込み時のバッチ化にのみ使用し、エンティティとしては永続化しない。
type CabinetKey struct {
	Recipient   MarketOperator
	Origin      DomainOrigin
	ContentType string
}

// CabinetKey は通知のCabinetKeyを返す。
func (n DataAvailableNotification) CabinetKey() CabinetKey {
	return CabinetKey{
		Recipient:   n.Recipient,
		Origin:      n.Origin,
		ContentType: n.ContentType,
	}
}
