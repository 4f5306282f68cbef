// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はプロフィールやメモ、メッセージの自由入力テキストから
// マークアップを除去する。bluemondayのStrictPolicyで全てのタグを落とし、
// 結果をプレーンテキストとして返す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は自由入力テキストのサニタイズ機能のインターフェース。
// リポジトリ層がリモートへ書き込む前に使用する。
type TextSanitizer interface {
	// Text はマークアップを除去したプレーンテキストを返す。
	// script, styleの中身は捨てられ、文字参照はデコードされる。前後の空白は除去される。
	Text(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text はマークアップを除去したプレーンテキストを返す。
func (s *textSanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// PassThrough は入力をそのまま返すTextSanitizer。テスト用。
type PassThrough struct{}

// Text は入力をそのまま返す。
func (PassThrough) Text(raw string) string { return raw }
