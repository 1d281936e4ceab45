package model

import (
	"errors"
	"fmt"
)

// ErrTickInProgress はこのプロセスでティックが実行中であることを示す。
var ErrTickInProgress = errors.New("ingest tick is already running")

// APIError は管理APIの統一エラーフォーマットを表す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: ingest, system
	Action   string // 運用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTickInProgress = "TICK_IN_PROGRESS"
	ErrCodeNoTickYet      = "NO_TICK_YET"
)

// NewTickInProgressError はティック多重実行エラーを生成する。
func NewTickInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeTickInProgress,
		Message:  "取り込みティックは既に実行中です。",
		Category: "ingest",
		Action:   "実行中のティックが終了してから再度お試しください。",
	}
}

// NewNoTickYetError はティック未実行エラーを生成する。
func NewNoTickYetError() *APIError {
	return &APIError{
		Code:     ErrCodeNoTickYet,
		Message:  "まだ取り込みティックが実行されていません。",
		Category: "ingest",
		Action:   "次回のティック完了後に再度確認してください。",
	}
}
