// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/campusmate/campusfeed/internal/model"
)

// AnnouncementRepository は公告レコードの永続化インターフェース。
type AnnouncementRepository interface {
	// FindByID は指定IDの公告を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Announcement, error)

	// CommitBatch は書き込み操作を1トランザクションでコミットする。
	// 操作単位の失敗はその操作のみ取り消してfailuresに返し、残りはコミットする。
	// errはトランザクション自体が失敗した場合のみ返り、その場合バッチ全体が書き込まれない。
	CommitBatch(ctx context.Context, ops []model.WriteOp) (failures []model.WriteFailure, err error)
}

// TokenMutator はトランザクション内で読み出した現在のトークン列から次の値を計算する。
// changedがfalseの場合、書き込みは行われない。
type TokenMutator func(current []string) (next []string, changed bool)

// UserRepository はユーザーのプッシュ配信先の永続化インターフェース。
type UserRepository interface {
	// PushTokens はユーザーのデバイストークン一覧を返す。ユーザーが存在しない場合はnilを返す。
	PushTokens(ctx context.Context, userID string) ([]string, error)

	// DisplayName はユーザーの表示名を返す。ユーザーが存在しない場合は空文字を返す。
	DisplayName(ctx context.Context, userID string) (string, error)

	// UpdatePushTokens はトランザクション内でトークン列を行ロック付きで再読込し、
	// mutateの結果が変化した場合のみ書き戻す。書き込みが発生したかを返す。
	UpdatePushTokens(ctx context.Context, userID string, mutate TokenMutator) (bool, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
