// Package weight はドメイン起点カテゴリごとのバンドル最大重みを提供する。
package weight

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/mailbox/internal/model"
)

// ErrUnmappedOrigin は最大重みが定義されていないカテゴリを表す。
// 設定またはプログラムの不具合であり、実行時に回復する対象ではない。
var ErrUnmappedOrigin = errors.New("max weight is not mapped for domain origin")

// DefaultLimits は既定の最大重みテーブルを返す。
// マスタデータ系はバンドルしない（1件ずつ配信する）方針。
func DefaultLimits() map[model.DomainOrigin]model.Weight {
	return map[model.DomainOrigin]model.Weight{
		model.DomainOriginTimeSeries:     50,
		model.DomainOriginAggregations:   50,
		model.DomainOriginMarketRoles:    1,
		model.DomainOriginMeteringPoints: 1,
		model.DomainOriginCharges:        1,
	}
}

// Calculator はカテゴリから最大バンドル重みを求める。I/Oは行わない。
type Calculator struct {
	limits map[model.DomainOrigin]model.Weight
}

// NewCalculator は既定値にoverridesを上書きしたCalculatorを生成する。
func NewCalculator(overrides map[model.DomainOrigin]model.Weight) *Calculator {
	limits := DefaultLimits()
	for origin, w := range overrides {
		limits[origin] = w
	}
	return &Calculator{limits: limits}
}

// MaxWeight はカテゴリの最大バンドル重みを返す。
// Unknownまたは未定義のカテゴリはErrUnmappedOriginを返す。
func (c *Calculator) MaxWeight(origin model.DomainOrigin) (model.Weight, error) {
	if origin == model.DomainOriginUnknown {
		return 0, fmt.Errorf("%w: %s", ErrUnmappedOrigin, origin)
	}
	w, ok := c.limits[origin]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnmappedOrigin, string(origin))
	}
	return w, nil
}

// ParseOverrides は "TimeSeries=50,Charges=10" 形式の文字列を解析する。
// 空文字列の場合は空のマップを返す。
func ParseOverrides(s string) (map[model.DomainOrigin]model.Weight, error) {
	overrides := make(map[model.DomainOrigin]model.Weight)
	if strings.TrimSpace(s) == "" {
		return overrides, nil
	}

	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("最大重みの指定が不正です: %q", pair)
		}
		origin, err := model.ParseDomainOrigin(name)
		if err != nil {
			return nil, fmt.Errorf("最大重みの指定が不正です: %w", err)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("最大重みは0以上の整数で指定してください: %q", pair)
		}
		overrides[origin] = model.Weight(n)
	}

	return overrides, nil
}
