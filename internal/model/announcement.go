// Package model はドメインモデルを定義する。
package model

import "time"

// Category は公告ボードのカテゴリを表す。
// IDはソース側の掲示板番号で、フィードURLの組み立てに使用する。
type Category struct {
	Name string
	ID   int
}

// RawItem はフィードから取得した未正規化の公告データを表す。
// PostedAtRawはソースが返した日時文字列そのもので、ISO/UTC形式の別表現は保持しない。
type RawItem struct {
	Title       string
	Link        string
	Content     string // 未サニタイズのHTML
	Author      string
	Department  string
	PostedAtRaw string
}

// Announcement は永続化される公告レコードを表す。
// IDはリンク（またはカテゴリ+タイトル）から決定的に導出され、再取得しても変化しない。
type Announcement struct {
	ID          string
	Title       string
	Content     string
	Link        string
	Author      string
	Department  string
	Category    string
	Source      string
	PostedAt    *time.Time // nilの場合はUpserterが取り込み時刻を代入する
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WriteKind はバッチに積まれる書き込み操作の種別。
type WriteKind string

const (
	// WriteInsert は新規レコードの挿入。
	WriteInsert WriteKind = "insert"
	// WriteUpdate は既存レコードのマージ更新（created_atは保持）。
	WriteUpdate WriteKind = "update"
)

// WriteOp はBatchWriterに渡される1件の書き込み操作。
type WriteOp struct {
	Kind   WriteKind
	Record *Announcement
}

// WriteFailure はバッチ内で書き込みに失敗した1件の操作。
// 失敗した操作のみ取り消され、同じバッチの他の操作はコミットされる。
type WriteFailure struct {
	Op  WriteOp
	Err error
}
