package app

import (
	"fmt"
	"sort"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はローカルAPIサーバーを起動する。引数なしの場合の既定値。
	CommandServe Command = "serve"
	// CommandMigrate はpostgresバックエンドのスキーマを最新にする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を確認する。
	// distrolessイメージにはcurlがないため、Dockerのヘルスチェックはこれを使う。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサポートするサブコマンドと、その前に設定の読み込みが必要かどうか。
var commands = map[Command]bool{
	CommandServe:       true,
	CommandMigrate:     true,
	CommandHealthcheck: false,
}

// NeedsConfig はサブコマンドの実行前にconfig.Loadが必要な場合にtrueを返す。
func (c Command) NeedsConfig() bool {
	return commands[c]
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。大文字小文字と前後の空白は無視する。
// 未知のサブコマンドはエラーになる。2番目以降の引数は使わない。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd := Command(strings.ToLower(strings.TrimSpace(args[0])))
	if _, ok := commands[cmd]; !ok {
		return "", fmt.Errorf("unknown command %q (available: %s)", args[0], strings.Join(commandNames(), ", "))
	}
	return cmd, nil
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for c := range commands {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
