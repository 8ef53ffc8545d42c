// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownOrigin はUnknownまたは未定義のドメイン起点カテゴリを表す。
// 永続化済みの通知にUnknownが含まれる場合は取り込み側の不具合であり、回復しない。
var ErrUnknownOrigin = errors.New("unknown domain origin")

// MarketOperator は受信者（市場参加者）の識別子を表す。GLN/EIC形式の外部識別子。
type MarketOperator string

// String はfmt.Stringerを実装する。
func (m MarketOperator) String() string {
	return string(m)
}

// DomainOrigin は通知の発生元サブドメインのカテゴリを表す。
type DomainOrigin string

const (
	// DomainOriginUnknown は不正なカテゴリ。永続化された通知に現れてはならない。
	DomainOriginUnknown DomainOrigin = "Unknown"
	// DomainOriginTimeSeries は時系列データ。
	DomainOriginTimeSeries DomainOrigin = "TimeSeries"
	// DomainOriginAggregations は集計データ。
	DomainOriginAggregations DomainOrigin = "Aggregations"
	// DomainOriginMarketRoles は市場ロールのマスタデータ。
	DomainOriginMarketRoles DomainOrigin = "MarketRoles"
	// DomainOriginMeteringPoints は計量点のマスタデータ。
	DomainOriginMeteringPoints DomainOrigin = "MeteringPoints"
	// DomainOriginCharges は料金のマスタデータ。
	DomainOriginCharges DomainOrigin = "Charges"
)

// ExclusivityGroup は「未確認バンドルは同時に1つまで」の制約を共有するカテゴリ集合を表す。
type ExclusivityGroup string

const (
	// GroupTimeSeries は TimeSeries のみを含む。
	GroupTimeSeries ExclusivityGroup = "TimeSeries"
	// GroupAggregations は Aggregations のみを含む。
	GroupAggregations ExclusivityGroup = "Aggregations"
	// GroupMasterData は MarketRoles、MeteringPoints、Charges を含む。
	GroupMasterData ExclusivityGroup = "MasterData"
)

// AllExclusivityGroups は全排他グループを固定順で返す。
// グループ横断のpeekではこの順序で既存バンドルを探索する。
func AllExclusivityGroups() []ExclusivityGroup {
	return []ExclusivityGroup{GroupTimeSeries, GroupAggregations, GroupMasterData}
}

var groupOrigins = map[ExclusivityGroup][]DomainOrigin{
	GroupTimeSeries:   {DomainOriginTimeSeries},
	GroupAggregations: {DomainOriginAggregations},
	GroupMasterData:   {DomainOriginMarketRoles, DomainOriginMeteringPoints, DomainOriginCharges},
}

// ParseDomainOrigin は文字列をDomainOriginに変換する。大文字小文字は区別しない。
// Unknownおよび未定義の値はErrUnknownOriginを返す。
func ParseDomainOrigin(s string) (DomainOrigin, error) {
	trimmed := strings.TrimSpace(s)
	for _, origins := range groupOrigins {
		for _, o := range origins {
			if strings.EqualFold(string(o), trimmed) {
				return o, nil
			}
		}
	}
	return DomainOriginUnknown, fmt.Errorf("%w: %q", ErrUnknownOrigin, s)
}

// Group はカテゴリが属する排他グループを返す。
func (d DomainOrigin) Group() (ExclusivityGroup, error) {
	for group, origins := range groupOrigins {
		for _, o := range origins {
			if o == d {
				return group, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOrigin, string(d))
}

// Valid はカテゴリがバンドル対象として有効かどうかを返す。
func (d DomainOrigin) Valid() bool {
	_, err := d.Group()
	return err == nil
}

// ParseExclusivityGroup は文字列をExclusivityGroupに変換する。大文字小文字は区別しない。
func ParseExclusivityGroup(s string) (ExclusivityGroup, error) {
	trimmed := strings.TrimSpace(s)
	for _, g := range AllExclusivityGroups() {
		if strings.EqualFold(string(g), trimmed) {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown exclusivity group: %q", s)
}

// Origins はグループに属するカテゴリを返す。
func (g ExclusivityGroup) Origins() []DomainOrigin {
	origins := groupOrigins[g]
	out := make([]DomainOrigin, len(origins))
	copy(out, origins)
	return out
}
