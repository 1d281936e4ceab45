package notify

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/campusmate/campusfeed/internal/model"
)

// fakeSender はMulticastSenderのテスト用モック。
type fakeSender struct {
	mu       sync.Mutex
	sent     []Message
	failures map[string]bool
	err      error
}

func (f *fakeSender) SendMulticast(_ context.Context, msg Message) ([]SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	results := make([]SendResult, len(msg.Tokens))
	for i, t := range msg.Tokens {
		results[i] = SendResult{Token: t, Success: !f.failures[t]}
	}
	return results, nil
}

// namedStore は表示名を返すRecipientStore。
type namedStore struct {
	*memTokenStore
	names map[string]string
}

func (n *namedStore) DisplayName(_ context.Context, userID string) (string, error) {
	return n.names[userID], nil
}

// 参加申請: リーダーU1のトークン[t1,t2]のうちt1が失敗 → U1は[t2]になる。
func TestHandleJoinRequestCreated_PrunesFailedLeaderToken(t *testing.T) {
	store := newMemTokenStore(map[string][]string{
		"U1": {"t1", "t2"},
		"U9": {"requester-token"},
	})
	users := &namedStore{memTokenStore: store, names: map[string]string{"U9": "김민수"}}
	sender := &fakeSender{failures: map[string]bool{"t1": true}}
	d := NewDispatcher(users, sender, NewPruner(store, nil, nil), nil, nil)

	err := d.HandleJoinRequestCreated(context.Background(), model.JoinRequestCreated{
		RequestID:   "R1",
		PartyID:     "P1",
		LeaderID:    "U1",
		RequesterID: "U9",
		PartyTitle:  "스터디",
	})
	if err != nil {
		t.Fatalf("HandleJoinRequestCreated: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if !reflect.DeepEqual(msg.Tokens, []string{"t1", "t2"}) {
		t.Errorf("tokens = %v, want [t1 t2]", msg.Tokens)
	}
	if msg.Data["type"] != "join_request" || msg.Data["partyId"] != "P1" || msg.Data["requestId"] != "R1" {
		t.Errorf("data = %v", msg.Data)
	}
	if !strings.Contains(msg.Body, "김민수") {
		t.Errorf("body should name the requester: %q", msg.Body)
	}
	if got := store.tokens["U1"]; !reflect.DeepEqual(got, []string{"t2"}) {
		t.Errorf("U1 tokens = %v, want [t2]", got)
	}
	if got := store.tokens["U9"]; !reflect.DeepEqual(got, []string{"requester-token"}) {
		t.Errorf("requester must not be touched: %v", got)
	}
}

func TestHandleJoinRequestCreated_NoTokensIsNoop(t *testing.T) {
	store := newMemTokenStore(map[string][]string{"U1": {}})
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, NewPruner(store, nil, nil), nil, nil)

	err := d.HandleJoinRequestCreated(context.Background(), model.JoinRequestCreated{PartyID: "P1", LeaderID: "U1"})
	if err != nil {
		t.Fatalf("empty recipient set must not be an error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestHandleJoinRequestCreated_MissingLeader(t *testing.T) {
	store := newMemTokenStore(map[string][]string{})
	d := NewDispatcher(store, &fakeSender{}, NewPruner(store, nil, nil), nil, nil)

	if err := d.HandleJoinRequestCreated(context.Background(), model.JoinRequestCreated{RequestID: "R1"}); err == nil {
		t.Error("expected error for event without leader")
	}
}

func TestHandleJoinRequestCreated_SendErrorDoesNotPrune(t *testing.T) {
	store := newMemTokenStore(map[string][]string{"U1": {"t1"}})
	sender := &fakeSender{err: errors.New("quota exceeded")}
	d := NewDispatcher(store, sender, NewPruner(store, nil, nil), nil, nil)

	err := d.HandleJoinRequestCreated(context.Background(), model.JoinRequestCreated{PartyID: "P1", LeaderID: "U1"})
	if err == nil {
		t.Fatal("expected send error")
	}
	if got := store.tokens["U1"]; !reflect.DeepEqual(got, []string{"t1"}) {
		t.Errorf("tokens = %v, a failed call must not prune", got)
	}
}

func TestHandlePartyDeleted_ExcludesLeader(t *testing.T) {
	store := newMemTokenStore(map[string][]string{
		"L":  {"leader-token"},
		"M1": {"m1a", "m1b"},
		"M2": {"m2"},
		"M3": {},
	})
	sender := &fakeSender{failures: map[string]bool{"m1b": true, "m2": true}}
	d := NewDispatcher(store, sender, NewPruner(store, nil, nil), nil, nil)

	err := d.HandlePartyDeleted(context.Background(), model.PartyDeleted{
		PartyID:  "P1",
		LeaderID: "L",
		Members:  []string{"L", "M1", "M2", "M3", "M1"},
	})
	if err != nil {
		t.Fatalf("HandlePartyDeleted: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sent))
	}
	got := append([]string(nil), sender.sent[0].Tokens...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"m1a", "m1b", "m2"}) {
		t.Errorf("tokens = %v", got)
	}
	if sender.sent[0].Data["type"] != "party_deleted" {
		t.Errorf("type = %q", sender.sent[0].Data["type"])
	}

	if got := store.tokens["M1"]; !reflect.DeepEqual(got, []string{"m1a"}) {
		t.Errorf("M1 = %v, want [m1a]", got)
	}
	if got := store.tokens["M2"]; len(got) != 0 {
		t.Errorf("M2 = %v, want []", got)
	}
	if got := store.tokens["L"]; !reflect.DeepEqual(got, []string{"leader-token"}) {
		t.Errorf("leader tokens must not be touched: %v", got)
	}
}

func TestHandlePartyDeleted_OnlyLeaderIsNoop(t *testing.T) {
	store := newMemTokenStore(map[string][]string{"L": {"leader-token"}})
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, NewPruner(store, nil, nil), nil, nil)

	err := d.HandlePartyDeleted(context.Background(), model.PartyDeleted{PartyID: "P1", LeaderID: "L", Members: []string{"L"}})
	if err != nil {
		t.Fatalf("HandlePartyDeleted: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("leader must not be notified")
	}
}

func TestHandlePartyDeleted_MemberLookupFailureIsIsolated(t *testing.T) {
	store := newMemTokenStore(map[string][]string{"M1": {"m1"}, "M2": {"m2"}})
	store.errs["M1"] = errors.New("read failed")
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, NewPruner(store, nil, nil), nil, nil)

	err := d.HandlePartyDeleted(context.Background(), model.PartyDeleted{PartyID: "P1", LeaderID: "L", Members: []string{"M1", "M2"}})
	if err != nil {
		t.Fatalf("HandlePartyDeleted: %v", err)
	}
	if len(sender.sent) != 1 || !reflect.DeepEqual(sender.sent[0].Tokens, []string{"m2"}) {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestPayloadText(t *testing.T) {
	m := JoinRequestMessage(model.JoinRequestCreated{PartyID: "P1"}, "", []string{"t"})
	if m.Title == "" || m.Body == "" {
		t.Errorf("message = %+v", m)
	}
	p := PartyDeletedMessage(model.PartyDeleted{PartyID: "P1", PartyTitle: "밥약"}, []string{"t"})
	if !strings.Contains(p.Body, "밥약") || p.Data["partyId"] != "P1" {
		t.Errorf("message = %+v", p)
	}
}
