package app

import (
	"fmt"
	"io"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（REST + WebSocket）を起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションのクリーンアップを定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを確認する。distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

var commandDescriptions = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "APIサーバーを起動する（デフォルト）"},
	{CommandWorker, "期限切れセッションを定期削除する"},
	{CommandMigrate, "データベースマイグレーションを適用する"},
	{CommandHealthcheck, "稼働中のサーバーの/healthを確認する"},
	{CommandHelp, "この使い方を表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch arg := strings.ToLower(args[0]); arg {
	case "-h", "--help":
		return CommandHelp
	default:
		for _, d := range commandDescriptions {
			if string(d.cmd) == arg {
				return d.cmd
			}
		}
		return CommandServe
	}
}

// PrintUsage はサブコマンドの一覧をwに書き込む。
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: eventman [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, d := range commandDescriptions {
		fmt.Fprintf(w, "  %-12s %s\n", d.cmd, d.desc)
	}
}
