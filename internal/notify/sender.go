package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// MaxMulticastTokens は1回のマルチキャスト送信で指定できるトークン数の上限。
const MaxMulticastTokens = 500

// SendResult は1トークン分の送信結果。
type SendResult struct {
	Token   string
	Success bool
	Err     error
}

// MulticastSender は通知をマルチキャスト送信する。
// 結果はMessage.Tokensと同じ順序で返す。
type MulticastSender interface {
	SendMulticast(ctx context.Context, msg Message) ([]SendResult, error)
}

// fcmClient はmessaging.Clientのうち送信に使うメソッド。
type fcmClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SendEachForMulticastDryRun(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FirebaseSender はFirebase Cloud Messagingで送信するMulticastSender。
type FirebaseSender struct {
	client fcmClient
	dryRun bool
	logger *slog.Logger
}

// NewFirebaseSender はサービスアカウントの認証情報ファイルからFirebaseSenderを生成する。
// credentialsFileが空の場合はアプリケーションデフォルト認証情報を使う。
func NewFirebaseSender(ctx context.Context, credentialsFile string, dryRun bool, logger *slog.Logger) (*FirebaseSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("Firebaseアプリの初期化に失敗しました: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("Messagingクライアントの初期化に失敗しました: %w", err)
	}
	return newFirebaseSender(client, dryRun, logger), nil
}

func newFirebaseSender(client fcmClient, dryRun bool, logger *slog.Logger) *FirebaseSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirebaseSender{client: client, dryRun: dryRun, logger: logger}
}

// SendMulticast は500件ずつに分割して送信し、トークンごとの結果を入力順で返す。
// 分割単位の送信自体が失敗した場合、そのトークンは結果に含めずエラーとして返す。
func (s *FirebaseSender) SendMulticast(ctx context.Context, msg Message) ([]SendResult, error) {
	results := make([]SendResult, 0, len(msg.Tokens))
	var errs []error

	for start := 0; start < len(msg.Tokens); start += MaxMulticastTokens {
		end := min(start+MaxMulticastTokens, len(msg.Tokens))
		chunk := msg.Tokens[start:end]

		resp, err := s.send(ctx, buildMulticast(msg, chunk))
		if err != nil {
			errs = append(errs, fmt.Errorf("マルチキャスト送信に失敗しました (%d件): %w", len(chunk), err))
			continue
		}
		if len(resp.Responses) != len(chunk) {
			errs = append(errs, fmt.Errorf("応答件数が一致しません: tokens=%d responses=%d", len(chunk), len(resp.Responses)))
			continue
		}

		for i, r := range resp.Responses {
			results = append(results, SendResult{Token: chunk[i], Success: r.Success, Err: r.Error})
		}
	}

	return results, errors.Join(errs...)
}

func (s *FirebaseSender) send(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	if s.dryRun {
		s.logger.Debug("ドライランで送信します", slog.Int("tokens", len(m.Tokens)))
		return s.client.SendEachForMulticastDryRun(ctx, m)
	}
	return s.client.SendEachForMulticast(ctx, m)
}

// buildMulticast はプラットフォームごとの優先度・サウンド指定を付けたメッセージを組み立てる。
func buildMulticast(msg Message, tokens []string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: "default",
				},
			},
		},
	}
}
