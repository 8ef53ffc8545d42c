// Package bundling は未確認通知から新しいバンドルに含める通知を選択する。
package bundling

import (
	"fmt"

	"github.com/hitoshi/mailbox/internal/model"
)

// MaxWeightCalculator はカテゴリごとの最大バンドル重みを返すインターフェース。
type MaxWeightCalculator interface {
	MaxWeight(origin model.DomainOrigin) (model.Weight, error)
}

// Engine は重み予算に基づいてバンドルの構成通知を選択する。
type Engine struct {
	calculator MaxWeightCalculator
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(calculator MaxWeightCalculator) *Engine {
	return &Engine{calculator: calculator}
}

// Select はシーケンス番号昇順に並んだ同一(受信者, カテゴリ, コンテンツ種別)の未確認通知から、
// 1つの新しいバンドルに含める通知IDを順序どおりに返す。
//
// 先頭（最古）の通知は重みに関わらず必ず含める。先頭がバンドル不可の場合はそれ単独とする。
// 以降の通知はバンドル可能かつ累積重みがMaxWeight以下の間だけ含め、
// 条件を満たさない通知が現れた時点で走査を打ち切る（後続の小さい通知を探しに行かない）。
func (e *Engine) Select(origin model.DomainOrigin, candidates []model.DataAvailableNotification) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	maxWeight, err := e.calculator.MaxWeight(origin)
	if err != nil {
		return nil, fmt.Errorf("バンドルの最大重みを取得できません: %w", err)
	}

	first := candidates[0]
	ids := []string{first.ID}
	if !first.SupportsBundling {
		return ids, nil
	}

	total := first.Weight
	for _, n := range candidates[1:] {
		if !n.SupportsBundling {
			break
		}
		next := total.Add(n.Weight)
		if next > maxWeight {
			break
		}
		total = next
		ids = append(ids, n.ID)
	}

	return ids, nil
}
