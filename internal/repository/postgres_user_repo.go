package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
// トークン登録フロー（外部）と本パイプラインの削除が同じ行を更新するため、
// トークン列の更新は必ずSELECT ... FOR UPDATEで再読込してから行う。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// PushTokens はユーザーのデバイストークン一覧を返す。
func (r *PostgresUserRepo) PushTokens(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := r.db.QueryRowContext(ctx,
		`SELECT push_tokens FROM users WHERE id = $1`,
		userID,
	).Scan(pq.Array(&tokens))

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プッシュトークンの取得に失敗しました: %w", err)
	}
	return tokens, nil
}

// DisplayName はユーザーの表示名を返す。
func (r *PostgresUserRepo) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx,
		`SELECT display_name FROM users WHERE id = $1`,
		userID,
	).Scan(&name)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("表示名の取得に失敗しました: %w", err)
	}
	return name, nil
}

// UpdatePushTokens はトークン列を読み込み→計算→変化時のみ書き戻す。
// ユーザーが存在しない場合は何もせずfalseを返す。
func (r *PostgresUserRepo) UpdatePushTokens(ctx context.Context, userID string, mutate TokenMutator) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var current []string
	err = tx.QueryRowContext(ctx,
		`SELECT push_tokens FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(pq.Array(&current))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("プッシュトークンの読み込みに失敗しました: %w", err)
	}

	next, changed := mutate(current)
	if !changed {
		return false, tx.Commit()
	}

	if next == nil {
		next = []string{}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET push_tokens = $2, updated_at = now() WHERE id = $1`,
		userID, pq.Array(next),
	); err != nil {
		return false, fmt.Errorf("プッシュトークンの更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トークン更新のコミットに失敗しました: %w", err)
	}
	return true, nil
}
