package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はpeek/確認APIサーバーとして起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はアーカイブワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateDirection はmigrateサブコマンドの方向を返す。
// "migrate down" の場合のみ "down" を返し、それ以外は "up" とする。
func MigrateDirection(args []string) string {
	if len(args) >= 2 && args[0] == "migrate" && args[1] == "down" {
		return "down"
	}
	return "up"
}
