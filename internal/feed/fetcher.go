// Package feed は公告ソースからのフィード取得を提供する。
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"

	"github.com/campusmate/campusfeed/internal/model"
)

// xmlEncodingPattern はXML宣言のencoding属性に一致する。
var xmlEncodingPattern = regexp.MustCompile(`(<\?xml[^>]*encoding=["'])([^"']+)(["'])`)

// Options はFetcherの設定。
type Options struct {
	BaseURL     string
	UserAgent   string
	PageSize    int
	Timeout     time.Duration
	MaxBodySize int64
	MinInterval time.Duration
}

// Fetcher はカテゴリ単位で公告フィードを取得しパースする。
// 保持するhttp.Clientは証明書検証を緩和した専用インスタンスで、外部に公開しない。
type Fetcher struct {
	client    *http.Client
	limiter   *HostRateLimiter
	parser    *gofeed.Parser
	baseURL   string
	userAgent string
	pageSize  int
	maxBody   int64
	logger    *slog.Logger
}

// NewFetcher はFetcherを生成する。
func NewFetcher(opts Options, logger *slog.Logger) *Fetcher {
	return newFetcher(NewLegacyTLSClient(opts.Timeout), opts, logger)
}

func newFetcher(client *http.Client, opts Options, logger *slog.Logger) *Fetcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 5 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:    client,
		limiter:   NewHostRateLimiter(opts.MinInterval),
		parser:    gofeed.NewParser(),
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		pageSize:  opts.PageSize,
		maxBody:   opts.MaxBodySize,
		logger:    logger,
	}
}

// FeedURL はカテゴリのフィードURLを返す。
func (f *Fetcher) FeedURL(category model.Category) string {
	return fmt.Sprintf("%s/%d/rssList.do?row=%d", f.baseURL, category.ID, f.pageSize)
}

// Fetch はカテゴリのフィードを取得する。
// 通信・パースの失敗は*FetchErrorとして返し、その場合のアイテムは空になる。
func (f *Fetcher) Fetch(ctx context.Context, category model.Category) ([]model.RawItem, error) {
	feedURL := f.FeedURL(category)
	start := time.Now()

	if err := f.limiter.WaitForHost(ctx, feedURL); err != nil {
		return nil, &FetchError{Kind: model.ErrorKindFetch, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: model.ErrorKindFetch, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml, */*")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: model.ErrorKindFetch, Err: err}
	}
	defer resp.Body.Close()

	if result := ClassifyHTTPStatus(resp.StatusCode); result != FetchResultOK {
		return nil, &FetchError{
			Kind:       model.ErrorKindFetch,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, &FetchError{Kind: model.ErrorKindFetch, StatusCode: resp.StatusCode, Err: err}
	}

	body, err = toUTF8(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &FetchError{Kind: model.ErrorKindParse, StatusCode: resp.StatusCode, Err: err}
	}

	parsed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{Kind: model.ErrorKindParse, StatusCode: resp.StatusCode, Err: err}
	}

	items := convertItems(parsed.Items)

	f.logger.Debug("フィードを取得しました",
		slog.String("category", category.Name),
		slog.String("feed_url", feedURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return items, nil
}

// toUTF8 はContent-TypeまたはXML宣言が示す文字コードからUTF-8に変換する。
// 変換後はXML宣言のencodingをutf-8に書き換え、パーサーでの二重変換を防ぐ。
func toUTF8(body []byte, contentType string) ([]byte, error) {
	label := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = params["charset"]
	}
	if label == "" {
		if m := xmlEncodingPattern.FindSubmatch(body); m != nil {
			label = string(m[2])
		}
	}
	if label == "" {
		return body, nil
	}

	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	if name == "utf-8" {
		return body, nil
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return xmlEncodingPattern.ReplaceAll(decoded, []byte("${1}utf-8${3}")), nil
}

// convertItems はgofeedのアイテムをRawItemに変換する。
// 日時はパース済みの値を使わず、ソースの文字列をそのまま保持する。
func convertItems(items []*gofeed.Item) []model.RawItem {
	out := make([]model.RawItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		raw := model.RawItem{
			Title:       item.Title,
			Link:        item.Link,
			Content:     item.Description,
			PostedAtRaw: item.Published,
		}

		if raw.Content == "" {
			raw.Content = item.Content
		}
		if item.Author != nil {
			raw.Author = item.Author.Name
		}
		if raw.Author == "" && item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
			raw.Author = item.DublinCoreExt.Creator[0]
		}
		if len(item.Categories) > 0 {
			raw.Department = item.Categories[0]
		}
		if raw.Link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			raw.Link = item.GUID
		}

		out = append(out, raw)
	}

	return out
}
