package feed

import (
	"fmt"

	"github.com/campusmate/campusfeed/internal/model"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultStop は設定の見直しが必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff は次のティックで回復が見込めるステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

// String はログ出力用の分類名を返す。
func (r FetchResult) String() string {
	switch r {
	case FetchResultOK:
		return "ok"
	case FetchResultStop:
		return "stop"
	case FetchResultBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// FetchError はカテゴリ単位のフェッチ・パース失敗を表す。
// StatusCodeはHTTP応答を受け取れた場合のみ設定される。
type FetchError struct {
	Kind       model.ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d, %s): %v", e.Kind, e.StatusCode, ClassifyHTTPStatus(e.StatusCode), e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
