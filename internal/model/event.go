package model

// EventType はドメインイベントの種別を表す。
type EventType string

const (
	// EventJoinRequestCreated は参加申請ドキュメントの作成イベント。
	EventJoinRequestCreated EventType = "join_request"
	// EventPartyDeleted はパーティー削除イベント。
	EventPartyDeleted EventType = "party_deleted"
)

// JoinRequestCreated は参加申請作成時に発行されるイベント。
// 通知先はパーティーのリーダーのみ。
type JoinRequestCreated struct {
	RequestID   string `json:"requestId"`
	PartyID     string `json:"partyId"`
	LeaderID    string `json:"leaderId"`
	RequesterID string `json:"requesterId"`
	PartyTitle  string `json:"partyTitle,omitempty"`
}

// PartyDeleted はパーティー削除時に発行されるイベント。
// 通知先はリーダーを除く全メンバー。
type PartyDeleted struct {
	PartyID    string   `json:"partyId"`
	LeaderID   string   `json:"leaderId"`
	Members    []string `json:"members"`
	PartyTitle string   `json:"partyTitle,omitempty"`
}
