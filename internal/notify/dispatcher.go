package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/campusmate/campusfeed/internal/metrics"
	"github.com/campusmate/campusfeed/internal/model"
)

// RecipientStore は通知先ユーザーの情報を読み込む。
type RecipientStore interface {
	PushTokens(ctx context.Context, userID string) ([]string, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// TokenPruner は送信に失敗したトークンをユーザーごとに削除する。
type TokenPruner interface {
	PruneAll(ctx context.Context, failures map[string][]string) int
}

// Dispatcher はドメインイベントから通知先を決定し、マルチキャスト送信する。
type Dispatcher struct {
	users   RecipientStore
	sender  MulticastSender
	pruner  TokenPruner
	metrics metrics.PushRecorder
	logger  *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(users RecipientStore, sender MulticastSender, pruner TokenPruner, recorder metrics.PushRecorder, logger *slog.Logger) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		users:   users,
		sender:  sender,
		pruner:  pruner,
		metrics: recorder,
		logger:  logger,
	}
}

// HandleJoinRequestCreated はパーティーのリーダーにのみ参加申請を通知する。
func (d *Dispatcher) HandleJoinRequestCreated(ctx context.Context, ev model.JoinRequestCreated) error {
	if ev.LeaderID == "" {
		return fmt.Errorf("参加申請 %s にリーダーIDがありません", ev.RequestID)
	}

	tokens, err := d.users.PushTokens(ctx, ev.LeaderID)
	if err != nil {
		return fmt.Errorf("リーダーのトークン取得に失敗しました: %w", err)
	}
	tokens = dedupe(tokens)
	if len(tokens) == 0 {
		d.logger.Debug("通知先トークンがないため送信しません",
			slog.String("event", string(model.EventJoinRequestCreated)),
			slog.String("party_id", ev.PartyID),
		)
		return nil
	}

	name, err := d.users.DisplayName(ctx, ev.RequesterID)
	if err != nil {
		d.logger.Warn("申請者の表示名を取得できませんでした",
			slog.String("requester_id", ev.RequesterID),
			slog.String("error", err.Error()),
		)
		name = ""
	}

	owners := map[string][]string{}
	for _, t := range tokens {
		owners[t] = []string{ev.LeaderID}
	}
	return d.dispatch(ctx, model.EventJoinRequestCreated, JoinRequestMessage(ev, name, tokens), owners)
}

// HandlePartyDeleted はリーダーを除く全メンバーにパーティー解散を通知する。
// メンバー単位のトークン取得失敗はそのメンバーを除外して継続する。
func (d *Dispatcher) HandlePartyDeleted(ctx context.Context, ev model.PartyDeleted) error {
	owners := map[string][]string{}
	var tokens []string
	seenUser := map[string]struct{}{}

	for _, member := range ev.Members {
		if member == "" || member == ev.LeaderID {
			continue
		}
		if _, ok := seenUser[member]; ok {
			continue
		}
		seenUser[member] = struct{}{}

		memberTokens, err := d.users.PushTokens(ctx, member)
		if err != nil {
			d.logger.Warn("メンバーのトークン取得に失敗しました",
				slog.String("party_id", ev.PartyID),
				slog.String("user_id", member),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, t := range memberTokens {
			if t == "" {
				continue
			}
			if _, ok := owners[t]; !ok {
				tokens = append(tokens, t)
			}
			owners[t] = append(owners[t], member)
		}
	}

	if len(tokens) == 0 {
		d.logger.Debug("通知先トークンがないため送信しません",
			slog.String("event", string(model.EventPartyDeleted)),
			slog.String("party_id", ev.PartyID),
		)
		return nil
	}

	return d.dispatch(ctx, model.EventPartyDeleted, PartyDeletedMessage(ev, tokens), owners)
}

// dispatch は送信し、失敗したトークンを所有ユーザーごとにまとめて削除へ回す。
func (d *Dispatcher) dispatch(ctx context.Context, eventType model.EventType, msg Message, owners map[string][]string) error {
	results, sendErr := d.sender.SendMulticast(ctx, msg)

	failures := map[string][]string{}
	success, failure := 0, 0
	for _, r := range results {
		if r.Success {
			success++
			continue
		}
		failure++
		for _, userID := range owners[r.Token] {
			failures[userID] = append(failures[userID], r.Token)
		}
	}
	d.metrics.RecordPushSend(eventType, success, failure)

	d.logger.Info("プッシュ通知を送信しました",
		slog.String("event", string(eventType)),
		slog.String("party_id", msg.Data["partyId"]),
		slog.Int("tokens", len(msg.Tokens)),
		slog.Int("success", success),
		slog.Int("failure", failure),
	)

	if len(failures) > 0 {
		d.pruner.PruneAll(ctx, failures)
	}

	if sendErr != nil {
		return fmt.Errorf("プッシュ通知の送信に失敗しました: %w", sendErr)
	}
	return nil
}

// dedupe は空文字と重複を除いたトークン列を返す。順序は保持する。
func dedupe(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
