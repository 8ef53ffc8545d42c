package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/mailbox/internal/model"
)

// 一意制約違反の判別に使う制約名。マイグレーションの定義と一致させること。
const (
	constraintBundlePrimaryKey   = "bundles_pkey"
	constraintBundleGroupPending = "uq_bundles_unacknowledged_group"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pqUniqueViolation = "23505"

// ErrEmptyBundle は構成通知を持たないバンドルを作成しようとした場合のエラー。
var ErrEmptyBundle = errors.New("bundle has no notifications")

// PostgresBundleRepo はPostgreSQLを使用したバンドルリポジトリ。
type PostgresBundleRepo struct {
	db *sql.DB
}

// NewPostgresBundleRepo はPostgresBundleRepoを生成する。
func NewPostgresBundleRepo(db *sql.DB) *PostgresBundleRepo {
	return &PostgresBundleRepo{db: db}
}

// GetUnacknowledged は受信者・排他グループの未確認バンドルを返す。見つからない場合はnilを返す。
func (r *PostgresBundleRepo) GetUnacknowledged(
	ctx context.Context,
	recipient model.MarketOperator,
	group model.ExclusivityGroup,
) (*model.Bundle, error) {
	b := &model.Bundle{}
	var rcpt, origin string
	var contentRef sql.NullString
	var ackedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, recipient, origin, content_type, notification_ids, content_ref,
		        acknowledged, created_at, acknowledged_at
		 FROM bundles
		 WHERE recipient = $1 AND exclusivity_group = $2 AND acknowledged = FALSE`,
		string(recipient), string(group),
	).Scan(
		&b.ID, &rcpt, &origin, &b.ContentType, pq.Array(&b.NotificationIDs), &contentRef,
		&b.Acknowledged, &b.CreatedAt, &ackedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("未確認バンドルの取得に失敗しました: %w", err)
	}

	b.Recipient = model.MarketOperator(rcpt)
	b.Origin = model.DomainOrigin(origin)
	b.ContentRef = contentRef.String
	if ackedAt.Valid {
		t := ackedAt.Time
		b.AcknowledgedAt = &t
	}
	return b, nil
}

// TryCreate は同一(受信者, 排他グループ)に未確認バンドルが無い場合に限りバンドルを作成する。
//
// 排他は部分ユニークインデックスで保証し、一意制約違反は制約名で
// 排他グループの競合とID重複に振り分ける。構成通知のいずれかが
// 既に確認済み（古い候補集合）の場合も、作成せず排他グループの競合として扱う。
func (r *PostgresBundleRepo) TryCreate(ctx context.Context, b *model.Bundle) (model.CreateOutcome, error) {
	if len(b.NotificationIDs) == 0 {
		return 0, ErrEmptyBundle
	}
	group, err := b.Group()
	if err != nil {
		return 0, fmt.Errorf("バンドル %s の排他グループを決定できません: %w", b.ID, err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO bundles (id, recipient, origin, exclusivity_group, content_type, notification_ids)
		 SELECT $1, $2::varchar, $3, $4, $5, $6::text[]
		 WHERE (
		     SELECT count(*) FROM notifications
		     WHERE recipient = $2::varchar AND id = ANY($6::text[]) AND acknowledged = FALSE
		 ) = cardinality($6::text[])
		 RETURNING created_at`,
		b.ID, string(b.Recipient), string(b.Origin), string(group), b.ContentType,
		pq.Array(b.NotificationIDs),
	).Scan(&b.CreatedAt)

	switch {
	case err == nil:
		b.Acknowledged = false
		b.AcknowledgedAt = nil
		return model.CreateSuccess, nil
	case err == sql.ErrNoRows:
		// 構成通知が既に確認済み。別の呼び出しが先に配信を完了している。
		return r.conflictOutcome(ctx, b.ID)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		switch pqErr.Constraint {
		case constraintBundlePrimaryKey:
			return model.CreateConflictDuplicateID, nil
		case constraintBundleGroupPending:
			return r.conflictOutcome(ctx, b.ID)
		}
	}
	return 0, fmt.Errorf("バンドルの作成に失敗しました: %w", err)
}

// conflictOutcome は作成できなかった場合の結果を返す。
// 同じIDが既に存在する場合はID重複を優先する。
func (r *PostgresBundleRepo) conflictOutcome(ctx context.Context, bundleID string) (model.CreateOutcome, error) {
	exists, err := r.exists(ctx, bundleID)
	if err != nil {
		return 0, err
	}
	if exists {
		return model.CreateConflictDuplicateID, nil
	}
	return model.CreateConflictExclusivityGroup, nil
}

func (r *PostgresBundleRepo) exists(ctx context.Context, bundleID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bundles WHERE id = $1)`,
		bundleID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("バンドルの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Acknowledge はバンドルを確認済みにする。確認済みのバンドルに対しては何もしない。
func (r *PostgresBundleRepo) Acknowledge(ctx context.Context, bundleID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bundles SET acknowledged = TRUE, acknowledged_at = now()
		 WHERE id = $1 AND acknowledged = FALSE`,
		bundleID,
	)
	if err != nil {
		return fmt.Errorf("バンドルの確認に失敗しました: %w", err)
	}
	return nil
}

// SetContent はコンテンツ参照が未設定の場合に限り設定し、有効な参照を返す。
// 既に設定済みの場合は先に書き込まれた参照を返す。
func (r *PostgresBundleRepo) SetContent(ctx context.Context, bundleID, contentRef string) (string, error) {
	if contentRef == "" {
		return "", fmt.Errorf("バンドル %s のコンテンツ参照が空です", bundleID)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE bundles SET content_ref = $2
		 WHERE id = $1 AND content_ref IS NULL`,
		bundleID, contentRef,
	)
	if err != nil {
		return "", fmt.Errorf("コンテンツ参照の設定に失敗しました: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return contentRef, nil
	}

	var effective sql.NullString
	err = r.db.QueryRowContext(ctx,
		`SELECT content_ref FROM bundles WHERE id = $1`,
		bundleID,
	).Scan(&effective)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("バンドル %s が見つかりません", bundleID)
	}
	if err != nil {
		return "", fmt.Errorf("コンテンツ参照の取得に失敗しました: %w", err)
	}
	return effective.String, nil
}

// compile-time interface check
var _ BundleRepository = (*PostgresBundleRepo)(nil)
