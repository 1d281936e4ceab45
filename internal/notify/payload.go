// Package notify はドメインイベントからのプッシュ通知送信と無効トークンの削除を提供する。
package notify

import (
	"fmt"

	"github.com/campusmate/campusfeed/internal/model"
)

// Message はマルチキャスト送信する1件の通知。
type Message struct {
	Tokens []string
	Title  string
	Body   string
	// Data はイベントの各フィールドを文字列化したもの。typeキーは必ず含む。
	Data map[string]string
}

// JoinRequestMessage は参加申請通知を組み立てる。requesterNameが空の場合は汎用の文面にする。
func JoinRequestMessage(ev model.JoinRequestCreated, requesterName string, tokens []string) Message {
	body := "새로운 참가 신청이 도착했습니다."
	switch {
	case requesterName != "" && ev.PartyTitle != "":
		body = fmt.Sprintf("%s님이 '%s' 파티에 참가를 신청했습니다.", requesterName, ev.PartyTitle)
	case requesterName != "":
		body = fmt.Sprintf("%s님이 파티에 참가를 신청했습니다.", requesterName)
	case ev.PartyTitle != "":
		body = fmt.Sprintf("'%s' 파티에 새로운 참가 신청이 도착했습니다.", ev.PartyTitle)
	}

	return Message{
		Tokens: tokens,
		Title:  "새로운 참가 신청",
		Body:   body,
		Data: map[string]string{
			"type":        string(model.EventJoinRequestCreated),
			"requestId":   ev.RequestID,
			"partyId":     ev.PartyID,
			"leaderId":    ev.LeaderID,
			"requesterId": ev.RequesterID,
		},
	}
}

// PartyDeletedMessage はパーティー解散通知を組み立てる。
func PartyDeletedMessage(ev model.PartyDeleted, tokens []string) Message {
	body := "참여 중인 파티가 리더에 의해 삭제되었습니다."
	if ev.PartyTitle != "" {
		body = fmt.Sprintf("'%s' 파티가 리더에 의해 삭제되었습니다.", ev.PartyTitle)
	}

	return Message{
		Tokens: tokens,
		Title:  "파티가 해체되었습니다",
		Body:   body,
		Data: map[string]string{
			"type":     string(model.EventPartyDeleted),
			"partyId":  ev.PartyID,
			"leaderId": ev.LeaderID,
		},
	}
}
