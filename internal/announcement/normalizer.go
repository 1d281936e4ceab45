// Package announcement は公告レコードの正規化・変更検出・バッチ書き込みを提供する。
package announcement

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/campusmate/campusfeed/internal/model"
)

// MaxIDLength はレコードIDの最大長。
// これを超えるリンクは先頭部分とリンク全体のダイジェストを連結して切り詰める。
const MaxIDLength = 100

// idDigestLength は切り詰め時に付与するダイジェスト（16進）の長さ。
const idDigestLength = 16

// postedAtLayouts はオフセット付与後の日時文字列に試行するレイアウト。
var postedAtLayouts = []string{
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02Z07:00",
	"2006.01.02 15:04:05Z07:00",
	"2006.01.02Z07:00",
	"2006/01/02 15:04:05Z07:00",
	"2006/01/02Z07:00",
}

// Normalizer はフィードの生アイテムを正規化された公告レコードに変換する。
// 状態を持たず、同じ入力に対して常に同じ出力を返す。
type Normalizer struct {
	origin   *url.URL
	tzOffset string
	source   string
	text     *bluemonday.Policy
}

// NewNormalizer はNormalizerを生成する。
// originは相対リンクの解決に使うソースのオリジン、tzOffsetは"+09:00"形式の固定オフセット。
func NewNormalizer(origin, tzOffset, source string) (*Normalizer, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ソースのオリジンが不正です: %q", origin)
	}
	if _, err := time.Parse("Z07:00", tzOffset); err != nil {
		return nil, fmt.Errorf("タイムゾーンオフセットが不正です: %q", tzOffset)
	}
	return &Normalizer{
		origin:   u,
		tzOffset: tzOffset,
		source:   source,
		text:     bluemonday.StrictPolicy(),
	}, nil
}

// Normalize は生アイテムを公告レコードに変換する。
// CreatedAt/UpdatedAtは設定しない。PostedAtは解析できなければnilのまま返す。
func (n *Normalizer) Normalize(category string, raw model.RawItem) *model.Announcement {
	title := n.plainText(raw.Title)
	link := n.NormalizeLink(raw.Link)

	return &model.Announcement{
		ID:          BuildID(link, category, title),
		Title:       title,
		Content:     n.plainText(raw.Content),
		Link:        link,
		Author:      strings.TrimSpace(raw.Author),
		Department:  strings.TrimSpace(raw.Department),
		Category:    category,
		Source:      n.source,
		PostedAt:    n.ParsePostedAt(raw.PostedAtRaw),
		ContentHash: ContentHash(title, link, raw.PostedAtRaw),
	}
}

// NormalizeLink は相対リンクをオリジン基準の絶対URLに変換し、末尾のスラッシュを取り除く。
func (n *Normalizer) NormalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}

	ref, err := url.Parse(link)
	if err == nil {
		link = n.origin.ResolveReference(ref).String()
	}
	return strings.TrimRight(link, "/")
}

// ParsePostedAt はソースの日時文字列に固定オフセットを付与して解析する。
// 解析できない場合はnilを返す。
func (n *Normalizer) ParsePostedAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	value := raw + n.tzOffset
	for _, layout := range postedAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

// plainText はHTMLタグを除去し、エンティティを復元して前後の空白を削る。
func (n *Normalizer) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(n.text.Sanitize(s)))
}

// BuildID は正規化済みリンクから決定的なURLセーフIDを導出する。
// リンクが空の場合は"category:title"を入力に使う。
func BuildID(link, category, title string) string {
	input := link
	if input == "" {
		input = category + ":" + title
	}

	id := base64.RawURLEncoding.EncodeToString([]byte(input))
	if len(id) <= MaxIDLength {
		return id
	}

	sum := sha256.Sum256([]byte(input))
	digest := hex.EncodeToString(sum[:])[:idDigestLength]
	return id[:MaxIDLength-idDigestLength-1] + "-" + digest
}

// ContentHash はtitle|link|rawPostedAtのSHA-256ダイジェストを返す。
// 本文は含めないため、本文のみの編集は変更として検出されない。
func ContentHash(title, link, rawPostedAt string) string {
	sum := sha256.Sum256([]byte(title + "|" + link + "|" + rawPostedAt))
	return hex.EncodeToString(sum[:])
}
