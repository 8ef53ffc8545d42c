// Package ingest はサブドメインから届いた通知を検証して保存する。
// 不正なエントリは個別に拒否し、同じバッチの正常なエントリの保存は妨げない。
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/mailbox/internal/metrics"
	"github.com/hitoshi/mailbox/internal/model"
	"github.com/hitoshi/mailbox/internal/repository"
)

// Entry は取り込み前の通知1件を表す。IDが空の場合は採番する。
type Entry struct {
	ID               string
	Recipient        string
	ContentType      string
	Origin           string
	SupportsBundling bool
	Weight           int64
}

// Rejection は拒否したエントリとその理由を表す。
type Rejection struct {
	Index  int
	ID     string
	Reason string
}

// Result は取り込み結果を表す。
type Result struct {
	Accepted []string
	Rejected []Rejection
}

// Service は通知の取り込みサービス。
type Service struct {
	repo    repository.NotificationRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	newID   func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.NotificationRepository, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		metrics: collector,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Ingest はエントリを検証し、CabinetKeyごとにまとめて保存する。
// 保存順は入力順を保つため、同じキー内のシーケンス番号は入力順に採番される。
// 保存に失敗したキーの通知は拒否として返し、他のキーの保存は続ける。
// 既に保存済みのIDは再送とみなして受理する。
// コンテキストがキャンセルされた場合と、全てのキーの保存に失敗した場合はエラーを返す。
func (s *Service) Ingest(ctx context.Context, entries []Entry) (Result, error) {
	var result Result
	seen := make(map[string]bool, len(entries))
	indexes := make(map[string]int, len(entries))

	var keys []model.CabinetKey
	batches := make(map[model.CabinetKey][]*model.DataAvailableNotification)

	for i, e := range entries {
		n, err := s.toNotification(e)
		if err == nil && seen[n.ID] {
			err = fmt.Errorf("バッチ内でIDが重複しています")
		}
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, ID: e.ID, Reason: err.Error()})
			s.logger.Warn("通知を拒否しました",
				slog.Int("index", i),
				slog.String("notification_id", e.ID),
				slog.String("reason", err.Error()),
			)
			continue
		}
		seen[n.ID] = true
		indexes[n.ID] = i

		key := n.CabinetKey()
		if _, ok := batches[key]; !ok {
			keys = append(keys, key)
		}
		batches[key] = append(batches[key], n)
	}

	var failedKeys int
	var lastErr error
	for _, key := range keys {
		batch := batches[key]
		if err := s.repo.SaveBatch(ctx, key, batch); err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("通知の保存に失敗しました: %w", err)
			}
			// 失敗したキーの通知だけを拒否し、残りのキーの保存は続ける
			failedKeys++
			lastErr = err
			s.logger.Error("通知バッチの保存に失敗しました",
				slog.String("market_operator", key.Recipient.String()),
				slog.String("domain_origin", string(key.Origin)),
				slog.String("content_type", key.ContentType),
				slog.Int("notification_count", len(batch)),
				slog.String("error", err.Error()),
			)
			for _, n := range batch {
				result.Rejected = append(result.Rejected, Rejection{
					Index:  indexes[n.ID],
					ID:     n.ID,
					Reason: "通知の保存に失敗しました",
				})
			}
			continue
		}
		for _, n := range batch {
			result.Accepted = append(result.Accepted, n.ID)
		}
		s.metrics.RecordNotificationsIngested(len(batch))
	}

	if failedKeys > 0 && failedKeys == len(keys) {
		return result, fmt.Errorf("全ての通知バッチの保存に失敗しました: %w", lastErr)
	}

	s.logger.Info("通知取り込み完了",
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("rejected", len(result.Rejected)),
		slog.Int("batch_count", len(keys)),
		slog.Int("failed_batch_count", failedKeys),
	)
	return result, nil
}

func (s *Service) toNotification(e Entry) (*model.DataAvailableNotification, error) {
	recipient := strings.TrimSpace(e.Recipient)
	if recipient == "" {
		return nil, fmt.Errorf("recipientは必須です")
	}
	if model.TooLong(recipient, model.MaxRecipientLength) {
		return nil, fmt.Errorf("recipientは%d文字以内である必要があります", model.MaxRecipientLength)
	}
	contentType := strings.TrimSpace(e.ContentType)
	if contentType == "" {
		return nil, fmt.Errorf("content_typeは必須です")
	}
	if model.TooLong(contentType, model.MaxContentTypeLength) {
		return nil, fmt.Errorf("content_typeは%d文字以内である必要があります", model.MaxContentTypeLength)
	}
	origin, err := model.ParseDomainOrigin(e.Origin)
	if err != nil {
		return nil, fmt.Errorf("domain_originが不正です: %q", e.Origin)
	}
	if e.Weight < 0 {
		return nil, fmt.Errorf("weightは0以上である必要があります: %d", e.Weight)
	}

	id := strings.TrimSpace(e.ID)
	if id == "" {
		id = s.newID()
	}
	if model.TooLong(id, model.MaxIDLength) {
		return nil, fmt.Errorf("idは%d文字以内である必要があります", model.MaxIDLength)
	}
	return &model.DataAvailableNotification{
		ID:               id,
		Recipient:        model.MarketOperator(recipient),
		ContentType:      contentType,
		Origin:           origin,
		SupportsBundling: e.SupportsBundling,
		Weight:           model.Weight(e.Weight),
	}, nil
}
