// Command worknest はWorkNestクライアントコアのローカルAPIサーバーを起動する。
//
// 使い方:
//
//	worknest [serve|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/worknest/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "worknest: %v\n", err)
		os.Exit(1)
	}
}
