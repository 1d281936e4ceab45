// Package events はストアの変更通知（LISTEN/NOTIFY）を受信し、通知ディスパッチャーに渡す。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/campusmate/campusfeed/internal/model"
)

// 通知チャネル名。マイグレーションのトリガーと一致させる。
const (
	ChannelJoinRequestCreated = "join_request_created"
	ChannelPartyDeleted       = "party_deleted"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
	handleTimeout        = 30 * time.Second
)

// EventHandler はデコード済みのドメインイベントを処理する。
type EventHandler interface {
	HandleJoinRequestCreated(ctx context.Context, ev model.JoinRequestCreated) error
	HandlePartyDeleted(ctx context.Context, ev model.PartyDeleted) error
}

// pinger は接続の生存確認を行う。
type pinger interface {
	Ping() error
}

// Listener はPostgreSQLの通知チャネルを購読してイベントを処理する。
// 切断中に発行された通知は再送されない。
type Listener struct {
	dsn     string
	handler EventHandler
	logger  *slog.Logger
}

// NewListener はListenerを生成する。
func NewListener(dsn string, handler EventHandler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{dsn: dsn, handler: handler, logger: logger}
}

// Start は通知の購読を開始し、コンテキストがキャンセルされるまでブロックする。
func (l *Listener) Start(ctx context.Context) error {
	pl := pq.NewListener(l.dsn, minReconnectInterval, maxReconnectInterval, l.reportEvent)
	defer pl.Close()

	for _, ch := range []string{ChannelJoinRequestCreated, ChannelPartyDeleted} {
		if err := pl.Listen(ch); err != nil {
			return fmt.Errorf("チャネル %s の購読に失敗しました: %w", ch, err)
		}
	}

	l.logger.Info("イベントリスナーを開始しました",
		slog.String("channels", ChannelJoinRequestCreated+","+ChannelPartyDeleted),
	)
	l.loop(ctx, pl.Notify, pl, pingInterval)
	l.logger.Info("イベントリスナーを停止しました")
	return nil
}

// loop は通知を順番に処理する。notifyが閉じられるかコンテキストが終了すると戻る。
func (l *Listener) loop(ctx context.Context, notify <-chan *pq.Notification, p pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 応答待ちのPingがある間は次のPingを発行しない
	var pinging atomic.Bool

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notify:
			if !ok {
				return
			}
			if n == nil {
				// 再接続直後はnilが届く
				l.logger.Warn("通知チャネルに再接続しました。切断中の通知は失われた可能性があります")
				continue
			}
			if err := l.handle(ctx, n.Channel, n.Extra); err != nil {
				l.logger.Error("イベントの処理に失敗しました",
					slog.String("channel", n.Channel),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			if !pinging.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer pinging.Store(false)
				if err := p.Ping(); err != nil {
					l.logger.Warn("リスナー接続のPingに失敗しました", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// handle はペイロードをデコードしてハンドラーに渡す。
func (l *Listener) handle(ctx context.Context, channel, payload string) error {
	deliveryID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	l.logger.Debug("イベントを受信しました",
		slog.String("channel", channel),
		slog.String("delivery_id", deliveryID),
	)

	switch channel {
	case ChannelJoinRequestCreated:
		var ev model.JoinRequestCreated
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("ペイロードのデコードに失敗しました (delivery_id=%s): %w", deliveryID, err)
		}
		return l.handler.HandleJoinRequestCreated(ctx, ev)

	case ChannelPartyDeleted:
		var ev model.PartyDeleted
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("ペイロードのデコードに失敗しました (delivery_id=%s): %w", deliveryID, err)
		}
		return l.handler.HandlePartyDeleted(ctx, ev)

	default:
		return fmt.Errorf("未知のチャネルです: %s", channel)
	}
}

// reportEvent はpq.Listenerの接続状態の変化をログに記録する。
func (l *Listener) reportEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Debug("リスナーが接続しました")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("リスナーの接続が切断されました", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("リスナーが再接続しました")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("リスナーの接続試行に失敗しました", slog.Any("error", err))
	}
}
