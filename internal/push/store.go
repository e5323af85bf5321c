package push

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscription は1人の受信者の配信契約を表す。
// Endpointが唯一の安定した識別子であり、鍵素材は購読の生存期間中変化しない。
type Subscription struct {
	// ID は購読レコードの一意識別子（UUID）。
	ID string
	// Endpoint はプッシュサービスが発行した配信先URL。
	Endpoint string
	// P256dh は受信者のP-256公開鍵のbase64url表現。
	P256dh string
	// Auth は購読時に共有された認証シークレットのbase64url表現。
	Auth string
	// CreatedAt は購読レコードの作成日時。
	CreatedAt time.Time
}

// Store は購読レコードの永続化を担う。
// 配信エンジンが必要とするのは一覧・登録・削除の3操作のみ。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しい購読ストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// List は現在のすべての購読のスナップショットを返す。
// 送信操作の開始時に1回だけ呼び出され、以降に追加された購読は
// その操作の対象にならない。
func (s *Store) List(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, endpoint, p256dh, auth, created_at FROM subscriptions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("購読レコードの読み取りに失敗: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Upsert はエンドポイントをキーとして購読を冪等に登録する。
// 既存のエンドポイントに対しては鍵素材のみを更新し、IDと作成日時は維持する。
func (s *Store) Upsert(ctx context.Context, endpoint, p256dh, auth string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, endpoint, p256dh, auth) VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			updated_at = datetime('now')
	`, uuid.New().String(), endpoint, p256dh, auth)
	if err != nil {
		return fmt.Errorf("購読の登録に失敗: %w", err)
	}
	return nil
}

// Delete は指定エンドポイントの購読を削除する。
// 存在しないエンドポイントに対しても成功する（冪等）。
func (s *Store) Delete(ctx context.Context, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE endpoint = ?", endpoint); err != nil {
		return fmt.Errorf("購読の削除に失敗: %w", err)
	}
	return nil
}

// Count は登録されている購読の件数を返す。
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&count); err != nil {
		return 0, fmt.Errorf("購読件数の取得に失敗: %w", err)
	}
	return count, nil
}
