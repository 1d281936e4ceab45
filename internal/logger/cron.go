package logger

import "log/slog"

// CronLogger はrobfig/cronのLoggerインターフェースをslogに橋渡しする。
// cronのInfoは実行ごとに出力されるためDebugレベルに落とす。
type CronLogger struct {
	l *slog.Logger
}

// NewCronLogger はCronLoggerを生成する。
func NewCronLogger(l *slog.Logger) *CronLogger {
	return &CronLogger{l: l.With(slog.String("component", "cron"))}
}

// Info はcronの情報ログを出力する。
func (c *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

// Error はcronのエラーログを出力する。
func (c *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)
	c.l.Error(msg, args...)
}
