// Package validation はサインアップ等で使う入力形式チェックを提供する。
// いずれもリモート呼び出し前に同期的に評価される単純な述語関数。
package validation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 12
	// MaxNameLength は表示名の最大文字数。
	MaxNameLength = 50
)

// localPartPattern はメールアドレスのローカル部として許可する文字。
var localPartPattern = regexp.MustCompile(`^[A-Za-z0-9.!#$%&'*+/=?^_{|}~-]+$`)

// IsValidEmail はメールアドレスの形式が正しい場合にtrueを返す。
// ドメイン部は国際化ドメイン名をpunycodeに変換して検証する。
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 64 || !localPartPattern.MatchString(local) {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return false
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" {
			return false
		}
	}
	return true
}

// IsStrongPassword はパスワードが強度要件を満たす場合にtrueを返す。
// 要件: 12文字以上、英大文字・英小文字・数字・記号をそれぞれ1文字以上含む。
func IsStrongPassword(password string) bool {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return false
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	return upper && lower && digit && special
}

// IsValidName は表示名として使える場合にtrueを返す。
// 文字、空白、アポストロフィ、ハイフン、ピリオドのみを許可する。
func IsValidName(name string) bool {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxNameLength {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsMark(r) || r == ' ' || r == '\'' || r == '-' || r == '.' {
			continue
		}
		return false
	}
	return true
}

// IsBlank は空文字または空白のみの場合にtrueを返す。
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
