package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandWorker はスケジューラ・イベントリスナー・管理サーバーを常駐させる。
	CommandWorker Command = "worker"
	// CommandIngest は取り込みティックを1回だけ実行して終了する。
	CommandIngest Command = "ingest"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandWorkerを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandWorker
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "ingest":
		return CommandIngest
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandWorker
	}
}
