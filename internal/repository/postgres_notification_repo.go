package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/mailbox/internal/model"
)

// defaultAckChunkSize は確認処理で1回のUPDATEに含めるIDの最大数（デフォルト）。
const defaultAckChunkSize = 1000

// notificationColumns はnotificationsテーブルのSELECT対象カラム。
const notificationColumns = `id, recipient, content_type, origin, supports_bundling, weight,
		        sequence_number, acknowledged, created_at`

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db        *sql.DB
	chunkSize int
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
// chunkSizeが0以下の場合はデフォルト値1000を使用する。
func NewPostgresNotificationRepo(db *sql.DB, chunkSize int) *PostgresNotificationRepo {
	if chunkSize <= 0 {
		chunkSize = defaultAckChunkSize
	}
	return &PostgresNotificationRepo{db: db, chunkSize: chunkSize}
}

// OldestUnacknowledged は受信者の最古の未確認通知を返す。見つからない場合はnilを返す。
func (r *PostgresNotificationRepo) OldestUnacknowledged(
	ctx context.Context,
	recipient model.MarketOperator,
	origins ...model.DomainOrigin,
) (*model.DataAvailableNotification, error) {
	query := `SELECT ` + notificationColumns + `
		 FROM notifications
		 WHERE recipient = $1 AND acknowledged = FALSE`
	args := []interface{}{string(recipient)}
	if len(origins) > 0 {
		query += ` AND origin = ANY($2)`
		args = append(args, pq.Array(originStrings(origins)))
	}
	query += ` ORDER BY sequence_number ASC LIMIT 1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最古の未確認通知の取得に失敗しました: %w", err)
	}
	return n, nil
}

// UnacknowledgedBatch はCabinetKeyに一致する未確認通知をシーケンス番号昇順で返す。
func (r *PostgresNotificationRepo) UnacknowledgedBatch(ctx context.Context, key model.CabinetKey) ([]model.DataAvailableNotification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE recipient = $1 AND origin = $2 AND content_type = $3 AND acknowledged = FALSE
		 ORDER BY sequence_number ASC`,
		string(key.Recipient), string(key.Origin), key.ContentType,
	)
	if err != nil {
		return nil, fmt.Errorf("未確認通知の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []model.DataAvailableNotification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("未確認通知の読み取りに失敗しました: %w", err)
		}
		result = append(result, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未確認通知の走査に失敗しました: %w", err)
	}

	return result, nil
}

// Acknowledge は指定IDの通知を確認済みにする。
// IDはchunkSize件ずつ分割し、全チャンクを同一トランザクションで更新する。
// 確認済み・アーカイブ済みのIDは更新対象にならないだけでエラーにはならない。
func (r *PostgresNotificationRepo) Acknowledge(ctx context.Context, recipient model.MarketOperator, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range ChunkIDs(ids, r.chunkSize) {
		_, err := tx.ExecContext(ctx,
			`UPDATE notifications SET acknowledged = TRUE
			 WHERE recipient = $1 AND id = ANY($2) AND acknowledged = FALSE`,
			string(recipient), pq.Array(chunk),
		)
		if err != nil {
			return fmt.Errorf("通知の確認に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Save は通知を1件保存し、採番されたシーケンス番号と作成日時を設定する。
// 同じIDが保存済みの場合は再送とみなし、何もせずに成功する。
// Unknownカテゴリの通知は保存しない。
func (r *PostgresNotificationRepo) Save(ctx context.Context, n *model.DataAvailableNotification) error {
	return saveNotification(ctx, r.db, n)
}

// SaveBatch は同一CabinetKeyの通知を同一トランザクションで保存する。
// キーと一致しない通知が含まれる場合は何も保存せずエラーを返す。
func (r *PostgresNotificationRepo) SaveBatch(ctx context.Context, key model.CabinetKey, ns []*model.DataAvailableNotification) error {
	for _, n := range ns {
		if n.CabinetKey() != key {
			return fmt.Errorf("通知 %s のキーがバッチのキーと一致しません", n.ID)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, n := range ns {
		if err := saveNotification(ctx, tx, n); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// queryRower は*sql.DBと*sql.Txの共通部分。
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func saveNotification(ctx context.Context, q queryRower, n *model.DataAvailableNotification) error {
	if !n.Origin.Valid() {
		return fmt.Errorf("通知 %s の保存を拒否しました: %w", n.ID, model.ErrUnknownOrigin)
	}
	if n.Weight < 0 {
		return fmt.Errorf("通知 %s の重みが負です: %d", n.ID, n.Weight)
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO notifications (id, recipient, content_type, origin, supports_bundling, weight)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING sequence_number, created_at`,
		n.ID, string(n.Recipient), n.ContentType, string(n.Origin), n.SupportsBundling, int64(n.Weight),
	).Scan(&n.SequenceNumber, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// 同じIDの通知は保存済み（再送）。既存の行は変更しない。
		return nil
	}
	if err != nil {
		return fmt.Errorf("通知の保存に失敗しました: %w", err)
	}
	n.Acknowledged = false
	return nil
}

// scanNotification は1行分の通知を読み取る。永続化済みのカテゴリがUnknownの場合はエラーを返す。
func scanNotification(scan func(dest ...interface{}) error) (*model.DataAvailableNotification, error) {
	n := &model.DataAvailableNotification{}
	var recipient, origin string
	var w int64

	if err := scan(
		&n.ID, &recipient, &n.ContentType, &origin, &n.SupportsBundling, &w,
		&n.SequenceNumber, &n.Acknowledged, &n.CreatedAt,
	); err != nil {
		return nil, err
	}

	n.Recipient = model.MarketOperator(recipient)
	n.Origin = model.DomainOrigin(origin)
	n.Weight = model.Weight(w)
	if !n.Origin.Valid() {
		return nil, fmt.Errorf("通知 %s のカテゴリが不正です: %w", n.ID, model.ErrUnknownOrigin)
	}
	return n, nil
}

// ChunkIDs はIDをsize件ずつのチャンクに分割する。元のスライスは変更しない。
func ChunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = defaultAckChunkSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}

func originStrings(origins []model.DomainOrigin) []string {
	out := make([]string, len(origins))
	for i, o := range origins {
		out[i] = strings.TrimSpace(string(o))
	}
	return out
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
