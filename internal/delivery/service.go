// Package delivery は受信者ごとのpeek/確認の状態遷移を提供する。
//
// 排他グループごとの状態は Empty → Pending(コンテンツ未解決) → Pending(解決済み) → Empty と遷移する。
// 遷移はBundleRepositoryのTryCreate/Acknowledgeだけが行い、Serviceはロックを持たない。
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mailbox/internal/metrics"
	"github.com/hitoshi/mailbox/internal/model"
	"github.com/hitoshi/mailbox/internal/repository"
	"github.com/hitoshi/mailbox/internal/subdomain"
)

// ContentService はサブドメインへのコンテンツ依頼と応答待ちを抽象化するインターフェース。
type ContentService interface {
	RequestContent(ctx context.Context, bundle *model.Bundle) (subdomain.Session, error)
	AwaitReply(ctx context.Context, session subdomain.Session, origin model.DomainOrigin, timeout time.Duration) (string, bool)
}

// Selector は新しいバンドルの構成通知を選択するインターフェース。
type Selector interface {
	Select(origin model.DomainOrigin, candidates []model.DataAvailableNotification) ([]string, error)
}

// Archiver は確認済み通知をアーカイブしてライブセットから除去するインターフェース。
// 冪等であり、失敗しても再実行できること。
type Archiver interface {
	ArchiveAndDelete(ctx context.Context, recipient model.MarketOperator, ids []string) (int64, error)
}

// ServiceConfig は配信サービスの設定。
type ServiceConfig struct {
	ReplyTimeout   time.Duration // サブドメイン応答の待機上限
	ArchiveTimeout time.Duration // 非同期アーカイブ1回あたりの上限
}

// PeekResult はpeekの結果を表す。HasDataがfalseの場合、他のフィールドは空。
type PeekResult struct {
	HasData    bool
	BundleID   string
	ContentRef string
	Origin     model.DomainOrigin
}

// Service は配信のサービス層。
type Service struct {
	notifications repository.NotificationRepository
	bundles       repository.BundleRepository
	engine        Selector
	content       ContentService
	archiver      Archiver
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	cfg           ServiceConfig
	newID         func() string

	archiving sync.WaitGroup
}

// NewService はServiceの新しいインスタンスを生成する。
// archiverがnilの場合は確認後のアーカイブを行わない（定期ジョブに任せる）。
func NewService(
	notifications repository.NotificationRepository,
	bundles repository.BundleRepository,
	engine Selector,
	content ContentService,
	archiver Archiver,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 3 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 30 * time.Second
	}
	return &Service{
		notifications: notifications,
		bundles:       bundles,
		engine:        engine,
		content:       content,
		archiver:      archiver,
		metrics:       collector,
		logger:        logger,
		cfg:           cfg,
		newID:         uuid.NewString,
	}
}

// Peek は受信者の次のバンドルを返す。
//
// groupが空の場合は全排他グループを対象とし、既存の未確認バンドルを固定順で探す。
// bundleIDは新規作成時にのみ使用し、空の場合はサーバーが採番する。
// 確認前の再peekは同じバンドルを返す。競合に負けた場合とコンテンツが
// 解決できなかった場合はデータなしとして返し、エラーにはしない。
func (s *Service) Peek(ctx context.Context, recipient model.MarketOperator, group model.ExclusivityGroup, bundleID string) (PeekResult, error) {
	groups, err := scopeGroups(group)
	if err != nil {
		return PeekResult{}, err
	}

	for _, g := range groups {
		existing, err := s.bundles.GetUnacknowledged(ctx, recipient, g)
		if err != nil {
			return PeekResult{}, fmt.Errorf("未確認バンドルの取得に失敗しました: %w", err)
		}
		if existing != nil {
			return s.resolve(ctx, existing)
		}
	}

	var origins []model.DomainOrigin
	if group != "" {
		origins = group.Origins()
	}
	oldest, err := s.notifications.OldestUnacknowledged(ctx, recipient, origins...)
	if err != nil {
		return PeekResult{}, fmt.Errorf("最古の未確認通知の取得に失敗しました: %w", err)
	}
	if oldest == nil {
		s.metrics.RecordPeek(metrics.PeekOutcomeNoData)
		return PeekResult{}, nil
	}

	candidate, err := s.buildBundle(ctx, *oldest, bundleID)
	if err != nil {
		return PeekResult{}, err
	}
	if candidate == nil {
		s.metrics.RecordPeek(metrics.PeekOutcomeNoData)
		return PeekResult{}, nil
	}

	outcome, err := s.bundles.TryCreate(ctx, candidate)
	if err != nil {
		return PeekResult{}, fmt.Errorf("バンドルの作成に失敗しました: %w", err)
	}

	switch outcome {
	case model.CreateSuccess:
		s.metrics.RecordBundleSize(len(candidate.NotificationIDs))
		s.logger.Info("バンドルを作成しました",
			slog.String("bundle_id", candidate.ID),
			slog.String("market_operator", recipient.String()),
			slog.String("domain_origin", string(candidate.Origin)),
			slog.Int("notification_count", len(candidate.NotificationIDs)),
		)
		return s.resolve(ctx, candidate)
	case model.CreateConflictExclusivityGroup:
		s.metrics.RecordPeek(metrics.PeekOutcomeRaceLost)
		s.logger.Debug("同一排他グループのバンドル作成競合に負けました",
			slog.String("bundle_id", candidate.ID),
			slog.String("market_operator", recipient.String()),
		)
		return PeekResult{}, nil
	case model.CreateConflictDuplicateID:
		return PeekResult{}, model.NewDuplicateBundleIDError(candidate.ID)
	default:
		return PeekResult{}, fmt.Errorf("不明なバンドル作成結果です: %s", outcome)
	}
}

// buildBundle は最古の通知と同じCabinetKeyの未確認通知からバンドル候補を組み立てる。
// 候補が空（別の呼び出しが確認を完了した直後など）の場合はnilを返す。
func (s *Service) buildBundle(ctx context.Context, oldest model.DataAvailableNotification, bundleID string) (*model.Bundle, error) {
	if _, err := oldest.Origin.Group(); err != nil {
		return nil, fmt.Errorf("通知 %s のカテゴリが不正です: %w", oldest.ID, err)
	}

	key := oldest.CabinetKey()
	candidates, err := s.notifications.UnacknowledgedBatch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("バンドル候補の取得に失敗しました: %w", err)
	}

	ids, err := s.engine.Select(key.Origin, candidates)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if bundleID == "" {
		bundleID = s.newID()
	}
	return &model.Bundle{
		ID:              bundleID,
		Recipient:       key.Recipient,
		Origin:          key.Origin,
		ContentType:     key.ContentType,
		NotificationIDs: ids,
	}, nil
}

// resolve はバンドルのコンテンツ参照を返す。未解決の場合はサブドメインに依頼して応答を待つ。
// 解決できなかった場合はデータなしを返し、バンドルは次回のpeekで再び解決を試みる。
func (s *Service) resolve(ctx context.Context, b *model.Bundle) (PeekResult, error) {
	if b.HasContent() {
		s.metrics.RecordPeek(metrics.PeekOutcomeData)
		return resultOf(b), nil
	}

	session, err := s.content.RequestContent(ctx, b)
	if err != nil {
		s.metrics.RecordPeek(metrics.PeekOutcomeContentTimeout)
		s.logger.Warn("コンテンツ依頼の発行に失敗しました",
			slog.String("bundle_id", b.ID),
			slog.String("error", err.Error()),
		)
		return PeekResult{}, nil
	}

	start := time.Now()
	ref, ok := s.content.AwaitReply(ctx, session, b.Origin, s.cfg.ReplyTimeout)
	s.metrics.RecordContentWait(time.Since(start))
	if !ok {
		s.metrics.RecordPeek(metrics.PeekOutcomeContentTimeout)
		return PeekResult{}, nil
	}

	effective, err := s.bundles.SetContent(ctx, b.ID, ref)
	if err != nil {
		return PeekResult{}, fmt.Errorf("コンテンツ参照の保存に失敗しました: %w", err)
	}
	b.ContentRef = effective

	s.metrics.RecordPeek(metrics.PeekOutcomeData)
	return resultOf(b), nil
}

// Acknowledge は受信者の未確認バンドルを確認済みにする。
//
// 指定IDが現在の未確認バンドルと一致しない場合、または未確認バンドルが無い場合はfalseを返し、
// 状態を変更しない。一致した場合は構成通知、バンドルの順に確認し、
// アーカイブは呼び出し元に影響しないよう非同期に実行する。
func (s *Service) Acknowledge(ctx context.Context, recipient model.MarketOperator, group model.ExclusivityGroup, bundleID string) (bool, error) {
	groups, err := scopeGroups(group)
	if err != nil {
		return false, err
	}

	var pending *model.Bundle
	for _, g := range groups {
		b, err := s.bundles.GetUnacknowledged(ctx, recipient, g)
		if err != nil {
			return false, fmt.Errorf("未確認バンドルの取得に失敗しました: %w", err)
		}
		if b != nil && b.ID == bundleID {
			pending = b
			break
		}
	}
	if pending == nil {
		s.metrics.RecordAcknowledge(false)
		s.logger.Info("確認要求を拒否しました",
			slog.String("bundle_id", bundleID),
			slog.String("market_operator", recipient.String()),
		)
		return false, nil
	}

	if err := s.notifications.Acknowledge(ctx, recipient, pending.NotificationIDs); err != nil {
		return false, fmt.Errorf("通知の確認に失敗しました: %w", err)
	}
	if err := s.bundles.Acknowledge(ctx, pending.ID); err != nil {
		return false, fmt.Errorf("バンドルの確認に失敗しました: %w", err)
	}

	s.metrics.RecordAcknowledge(true)
	s.logger.Info("バンドルを確認しました",
		slog.String("bundle_id", pending.ID),
		slog.String("market_operator", recipient.String()),
		slog.Int("notification_count", len(pending.NotificationIDs)),
	)

	s.archiveAsync(ctx, recipient, pending)
	return true, nil
}

func (s *Service) archiveAsync(ctx context.Context, recipient model.MarketOperator, b *model.Bundle) {
	if s.archiver == nil {
		return
	}

	ids := append([]string(nil), b.NotificationIDs...)
	archiveCtx := context.WithoutCancel(ctx)

	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()

		ctx, cancel := context.WithTimeout(archiveCtx, s.cfg.ArchiveTimeout)
		defer cancel()

		n, err := s.archiver.ArchiveAndDelete(ctx, recipient, ids)
		if err != nil {
			// 定期ジョブが確認済み通知を再度アーカイブする
			s.logger.Warn("確認済み通知のアーカイブに失敗しました",
				slog.String("bundle_id", b.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		s.metrics.RecordArchived(int(n))
	}()
}

// Wait は実行中の非同期アーカイブの完了を待つ。シャットダウン時に使用する。
func (s *Service) Wait() {
	s.archiving.Wait()
}

// scopeGroups はpeek/確認で参照する排他グループを返す。
func scopeGroups(group model.ExclusivityGroup) ([]model.ExclusivityGroup, error) {
	if group == "" {
		return model.AllExclusivityGroups(), nil
	}
	for _, g := range model.AllExclusivityGroups() {
		if g == group {
			return []model.ExclusivityGroup{g}, nil
		}
	}
	return nil, model.NewInvalidExclusivityGroupError(string(group))
}

func resultOf(b *model.Bundle) PeekResult {
	return PeekResult{
		HasData:    true,
		BundleID:   b.ID,
		ContentRef: b.ContentRef,
		Origin:     b.Origin,
	}
}

