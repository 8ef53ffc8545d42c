// Package archive は確認済み通知のアーカイブと古いバンドルの削除ジョブを提供する。
// 確認直後の非同期アーカイブと、取りこぼしを回収する定期スイープの両方から使用する。
// どちらも冪等であり、何度実行しても結果は変わらない。
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/mailbox/internal/metrics"
	"github.com/hitoshi/mailbox/internal/model"
	"github.com/hitoshi/mailbox/internal/repository"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// 確認済み通知をnotificationsから削除し、同じ文でarchived_notificationsへ移す。
// 既にアーカイブ済みのIDは無視する。
const archiveByIDsQuery = `
WITH moved AS (
    DELETE FROM notifications
    WHERE recipient = $1 AND id = ANY($2) AND acknowledged = TRUE
    RETURNING id, sequence_number, recipient, content_type, origin, supports_bundling, weight, created_at
)
INSERT INTO archived_notifications
    (id, sequence_number, recipient, content_type, origin, supports_bundling, weight, created_at)
SELECT id, sequence_number, recipient, content_type, origin, supports_bundling, weight, created_at
FROM moved
ON CONFLICT (id) DO NOTHING`

const sweepQuery = `
WITH moved AS (
    DELETE FROM notifications
    WHERE id IN (
        SELECT id FROM notifications
        WHERE acknowledged = TRUE
        ORDER BY sequence_number
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING id, sequence_number, recipient, content_type, origin, supports_bundling, weight, created_at
)
INSERT INTO archived_notifications
    (id, sequence_number, recipient, content_type, origin, supports_bundling, weight, created_at)
SELECT id, sequence_number, recipient, content_type, origin, supports_bundling, weight, created_at
FROM moved
ON CONFLICT (id) DO NOTHING`

const purgeBundlesQuery = `DELETE FROM bundles WHERE acknowledged = TRUE AND acknowledged_at < now() - $1::interval`

// maxSweepBatches は1回のRunで処理するバッチ数の上限。
const maxSweepBatches = 100

// Job は確認済み通知のアーカイブジョブ。
type Job struct {
	db            Executor
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	BatchSize     int // 1回のSQLで移動する件数（デフォルト: 500）
	RetentionDays int // 確認済みバンドルの保持日数（デフォルト: 30）
}

// NewJob は新しいJobを生成する。
func NewJob(db Executor, logger *slog.Logger, collector metrics.MetricsCollector) *Job {
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Job{
		db:            db,
		logger:        logger,
		metrics:       collector,
		BatchSize:     500,
		RetentionDays: 30,
	}
}

// ArchiveAndDelete は受信者の確認済み通知をアーカイブしてライブセットから除去する。
// 未確認の通知と既にアーカイブ済みの通知は対象にならない。移動した件数を返す。
func (j *Job) ArchiveAndDelete(ctx context.Context, recipient model.MarketOperator, ids []string) (int64, error) {
	var total int64
	for _, chunk := range repository.ChunkIDs(ids, j.BatchSize) {
		result, err := j.db.ExecContext(ctx, archiveByIDsQuery, string(recipient), pq.Array(chunk))
		if err != nil {
			return total, fmt.Errorf("通知のアーカイブに失敗: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("アーカイブ件数の取得に失敗: %w", err)
		}
		total += n
	}
	return total, nil
}

// Run は確認済みのまま残っている通知をバッチ単位でアーカイブし、
// 保持期間を超えた確認済みバンドルを削除する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	var archived int64
	for i := 0; i < maxSweepBatches; i++ {
		result, err := j.db.ExecContext(ctx, sweepQuery, j.BatchSize)
		if err != nil {
			j.logger.Error("確認済み通知のアーカイブに失敗しました",
				slog.String("error", err.Error()),
				slog.Int64("archived_count", archived),
			)
			return fmt.Errorf("確認済み通知のアーカイブに失敗: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("アーカイブ件数の取得に失敗: %w", err)
		}
		archived += n
		if n < int64(j.BatchSize) {
			break
		}
	}
	j.metrics.RecordArchived(int(archived))

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	result, err := j.db.ExecContext(ctx, purgeBundlesQuery, interval)
	if err != nil {
		j.logger.Error("確認済みバンドルの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("確認済みバンドルの削除に失敗: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("アーカイブジョブが完了しました",
		slog.Int64("archived_count", archived),
		slog.Int64("purged_bundle_count", purged),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
